package codec

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"jobrepo/internal/domain"
)

// JSONExporter renders objects as indented JSON.
type JSONExporter struct{}

// NewJSONExporter creates a new JSON exporter
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{}
}

// Format returns the exporter format identifier
func (c *JSONExporter) Format() string {
	return "json"
}

// Export writes obj as a JSON document
func (c *JSONExporter) Export(obj *domain.Object, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(plain(obj)); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// plain converts an object graph into maps and slices. Hidden and transient
// attributes are left out.
func plain(obj *domain.Object) map[string]any {
	out := map[string]any{
		"_class":    obj.ClassName(),
		"_category": obj.Category(),
	}
	if id, ok := obj.ID(); ok {
		out["_id"] = id
	}
	if !obj.Loaded() {
		out["_index"] = obj.IndexCache()
		return out
	}
	schema := obj.Schema()
	for _, name := range schema.Names() {
		it, _ := schema.Item(name)
		if it.Hidden || it.Transient {
			continue
		}
		v, err := obj.Get(name)
		if err != nil {
			continue
		}
		out[name] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *domain.Object:
		if t == nil {
			return nil
		}
		return plain(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	}
	return v
}
