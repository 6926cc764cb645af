// Package codec converts objects to and from their persisted forms.
//
// A record is an XML document whose root wraps exactly one object:
//
//	<root>
//	  <class name="Job" version="2.1" category="jobs">
//	    <attribute name="name"><value>"X"</value></attribute>
//	    <attribute name="application">
//	      <class name="Executable" version="1.0" category="applications">...</class>
//	    </attribute>
//	    <attribute name="inputdata">
//	      <sequence><value>"a"</value><value>"b"</value></sequence>
//	    </attribute>
//	  </class>
//	</root>
//
// Value bodies are literal expressions (see package literal). Index blobs are
// small JSON documents summarizing an object's indexed attributes.
package codec

import (
	"io"

	"jobrepo/internal/domain"
)

// Element and attribute names of the record format.
const (
	elemRoot      = "root"
	elemClass     = "class"
	elemAttribute = "attribute"
	elemValue     = "value"
	elemSequence  = "sequence"

	attrName     = "name"
	attrVersion  = "version"
	attrCategory = "category"
)

// Exporter renders an object graph in a human-facing format.
type Exporter interface {
	Export(obj *domain.Object, w io.Writer) error
	Format() string
}

// ExporterFor returns the exporter registered for format.
func ExporterFor(format string) (Exporter, bool) {
	switch format {
	case "json":
		return NewJSONExporter(), true
	case "yaml", "yml":
		return NewYAMLExporter(), true
	case "xml", "record":
		return recordExporter{}, true
	}
	return nil, false
}

type recordExporter struct{}

func (recordExporter) Format() string { return "xml" }

func (recordExporter) Export(obj *domain.Object, w io.Writer) error {
	return Encode(w, obj)
}
