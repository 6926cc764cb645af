package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath names an explicit config file
	EnvConfigPath = "JOBREPO_CONFIG"
	// ConfigFileName is looked up in the working directory
	ConfigFileName = "jobrepo.yaml"
	// ConfigDirName is the per-application directory under the XDG bases
	ConfigDirName = "jobrepo"
)

// userDir resolves an XDG base directory, falling back to fallback under
// the home directory. It returns "" when neither is known.
func userDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, ConfigDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(append(append([]string{home}, fallback...), ConfigDirName)...)
}

// searchPaths lists the config file candidates, most specific first
func searchPaths() []string {
	var paths []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		paths = append(paths, p)
	}
	if abs, err := filepath.Abs(ConfigFileName); err == nil {
		paths = append(paths, abs)
	} else {
		paths = append(paths, ConfigFileName)
	}
	if dir := userDir("XDG_CONFIG_HOME", ".config"); dir != "" {
		paths = append(paths, filepath.Join(dir, "config.yaml"))
	}
	return append(paths, filepath.Join("/etc", ConfigDirName, "config.yaml"))
}

// FindConfigPath returns the first existing file among $JOBREPO_CONFIG,
// ./jobrepo.yaml, the user config directory and /etc/jobrepo, or "".
func FindConfigPath() string {
	for _, p := range searchPaths() {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// DefaultConfigPath is where a new per-user config file goes
func DefaultConfigPath() string {
	if dir := userDir("XDG_CONFIG_HOME", ".config"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return ConfigFileName
}

// DefaultRoot is the repository directory used when the config names none
func DefaultRoot() string {
	if dir := userDir("XDG_DATA_HOME", ".local", "share"); dir != "" {
		return dir
	}
	return filepath.Join(".", ConfigDirName)
}

// EnsureConfigDir creates the directory holding configPath
func EnsureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0o755)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
