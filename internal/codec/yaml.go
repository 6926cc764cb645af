package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"jobrepo/internal/domain"
)

// YAMLExporter renders objects as YAML.
type YAMLExporter struct{}

// NewYAMLExporter creates a new YAML exporter
func NewYAMLExporter() *YAMLExporter {
	return &YAMLExporter{}
}

// Format returns the exporter format identifier
func (c *YAMLExporter) Format() string {
	return "yaml"
}

// Export writes obj as a YAML document
func (c *YAMLExporter) Export(obj *domain.Object, w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(plain(obj)); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	return nil
}
