package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Version identifies the shape of a schema.
type Version struct {
	Major int
	Minor int
}

// IsCompatible reports whether a reader at version v can load data written
// at version stored. Readers may be newer than the data, never older.
func (v Version) IsCompatible(stored Version) bool {
	return v.Major == stored.Major && v.Minor >= stored.Minor
}

// String returns the "major.minor" form used in records.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion parses a "major.minor" string.
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor", s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 0 {
		return Version{}, fmt.Errorf("invalid major version in %q", s)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil || mi < 0 {
		return Version{}, fmt.Errorf("invalid minor version in %q", s)
	}
	return Version{Major: ma, Minor: mi}, nil
}
