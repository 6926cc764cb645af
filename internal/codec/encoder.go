package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"jobrepo/internal/domain"
	"jobrepo/internal/literal"
)

// Encode writes obj as a record to w. Transient attributes are skipped and
// the object is not modified.
func Encode(w io.Writer, obj *domain.Object) error {
	if obj == nil {
		return fmt.Errorf("cannot encode nil object")
	}
	if !obj.Loaded() {
		return fmt.Errorf("cannot encode %s: %w", obj, domain.ErrNotLoaded)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", " ")
	e := &encoder{xml: enc}

	e.start(elemRoot)
	e.object(obj)
	e.end(elemRoot)
	if e.err != nil {
		return e.err
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("failed to flush record: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// EncodeBytes is Encode into a fresh buffer.
func EncodeBytes(obj *domain.Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encoder walks an object graph, keeping the first error.
type encoder struct {
	xml *xml.Encoder
	err error
}

func (e *encoder) token(t xml.Token) {
	if e.err != nil {
		return
	}
	if err := e.xml.EncodeToken(t); err != nil {
		e.err = fmt.Errorf("failed to write record: %w", err)
	}
}

func (e *encoder) start(name string, attrs ...xml.Attr) {
	e.token(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (e *encoder) end(name string) {
	e.token(xml.EndElement{Name: xml.Name{Local: name}})
}

func xmlAttr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func (e *encoder) object(obj *domain.Object) {
	schema := obj.Schema()
	e.start(elemClass,
		xmlAttr(attrName, obj.ClassName()),
		xmlAttr(attrVersion, schema.Version.String()),
		xmlAttr(attrCategory, obj.Category()),
	)
	for _, name := range schema.Names() {
		it, _ := schema.Item(name)
		if it.Transient || !obj.Has(name) {
			continue
		}
		v, err := obj.Get(name)
		if err != nil {
			e.err = err
			return
		}
		e.start(elemAttribute, xmlAttr(attrName, name))
		e.value(v, it.Sequence)
		e.end(elemAttribute)
	}
	e.end(elemClass)
}

// value emits one of the three value kinds. Lists are sequences only when
// the item is a sequence item or the list is nested inside one; otherwise a
// list is a scalar literal.
func (e *encoder) value(v any, sequence bool) {
	switch domain.KindOf(v) {
	case domain.KindObject:
		e.object(v.(*domain.Object))
	case domain.KindSequence:
		if sequence {
			e.start(elemSequence)
			for _, elem := range v.([]any) {
				e.value(elem, containsObject(elem))
			}
			e.end(elemSequence)
			return
		}
		e.scalar(v)
	default:
		e.scalar(v)
	}
}

func (e *encoder) scalar(v any) {
	text, err := literal.Format(v)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		return
	}
	e.start(elemValue)
	e.token(xml.CharData(text))
	e.end(elemValue)
}

// containsObject reports whether a list nested in a sequence holds objects
// and therefore cannot be a single literal.
func containsObject(v any) bool {
	l, ok := v.([]any)
	if !ok {
		return false
	}
	for _, e := range l {
		if domain.KindOf(e) == domain.KindObject || containsObject(e) {
			return true
		}
	}
	return false
}
