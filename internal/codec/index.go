package codec

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"jobrepo/internal/domain"
)

// IndexEntry is the decoded form of an index blob.
type IndexEntry struct {
	Category  string         `json:"category"`
	ClassName string         `json:"classname"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// EncodeIndex summarizes obj for listing without a full decode.
func EncodeIndex(obj *domain.Object) ([]byte, error) {
	entry := IndexEntry{
		Category:  obj.Category(),
		ClassName: obj.ClassName(),
		Attrs:     obj.IndexCache(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode index for %s: %w", obj, err)
	}
	return data, nil
}

// DecodeIndex parses an index blob. Integral numbers come back as int64 to
// match decoded attribute values.
func DecodeIndex(blob []byte) (IndexEntry, error) {
	var entry IndexEntry
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return IndexEntry{}, fmt.Errorf("failed to decode index: %w", err)
	}
	if entry.ClassName == "" {
		return IndexEntry{}, fmt.Errorf("failed to decode index: missing class name")
	}
	for k, v := range entry.Attrs {
		entry.Attrs[k] = fromJSON(v)
	}
	return entry, nil
}

// Stub builds an index-only object for entry, or a placeholder when the
// class cannot be resolved.
func (e IndexEntry) Stub(ctx *domain.Context) (*domain.Object, error) {
	cls, ok := ctx.Plugins.Lookup(e.Category, e.ClassName)
	if !ok {
		return nil, &domain.PluginResolutionError{Category: e.Category, Name: e.ClassName}
	}
	obj := cls.Bare()
	obj.SetIndexCache(e.Attrs)
	return obj, nil
}

func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, e := range t {
			t[i] = fromJSON(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = fromJSON(e)
		}
		return t
	}
	return v
}
