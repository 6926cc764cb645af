package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"jobrepo/internal/domain"
)

// Decoder rebuilds objects from records, resolving classes through the
// plugin registry of its context.
type Decoder struct {
	ctx *domain.Context
}

// NewDecoder creates a Decoder bound to ctx.
func NewDecoder(ctx *domain.Context) *Decoder {
	return &Decoder{ctx: ctx}
}

// Decode parses one record. Problems confined to one object (unknown class,
// incompatible version, stale attribute) are returned in the error list and
// the object is replaced or repaired. A non-nil error means the record is
// unusable; it is a *CorruptRecordError for malformed input.
func (d *Decoder) Decode(r io.Reader) (*domain.Object, []error, error) {
	p := &parser{
		ctx: d.ctx,
		xml: xml.NewDecoder(r),
	}
	obj, err := p.run()
	return obj, p.errs, err
}

// DecodeBytes is Decode over an in-memory record.
func (d *Decoder) DecodeBytes(data []byte) (*domain.Object, []error, error) {
	return d.Decode(bytes.NewReader(data))
}

type entryKind int

const (
	entryObject entryKind = iota
	entryAttribute
	entryValue
	entrySequence
)

// entry is one slot of the parser's value stack.
type entry struct {
	kind  entryKind
	obj   *domain.Object
	name  string
	value any
}

// parser is the decoding state machine. Objects, attribute names, values and
// sequence markers are pushed as their elements open or close; ignoreDepth
// counts open elements inside an object that is being skipped.
type parser struct {
	ctx *domain.Context
	xml *xml.Decoder

	stack       []entry
	ignoreDepth int
	inValue     bool
	text        []byte
	rootOpen    bool
	rootClosed  bool

	errs []error
}

func (p *parser) run() (*domain.Object, error) {
	for {
		tok, err := p.xml.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, p.corrupt("malformed XML", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			err = p.open(t)
		case xml.EndElement:
			err = p.close(t)
		case xml.CharData:
			if p.inValue && p.ignoreDepth == 0 {
				p.text = append(p.text, t...)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return p.finish()
}

func (p *parser) corrupt(reason string, err error) error {
	return &CorruptRecordError{Offset: p.xml.InputOffset(), Reason: reason, Err: err}
}

func (p *parser) push(e entry) { p.stack = append(p.stack, e) }

func (p *parser) pop() (entry, bool) {
	if len(p.stack) == 0 {
		return entry{}, false
	}
	e := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return e, true
}

func (p *parser) top() (entry, bool) {
	if len(p.stack) == 0 {
		return entry{}, false
	}
	return p.stack[len(p.stack)-1], true
}

func (p *parser) open(t xml.StartElement) error {
	if p.ignoreDepth > 0 {
		p.ignoreDepth++
		return nil
	}
	if p.inValue {
		return p.corrupt(fmt.Sprintf("element <%s> inside a value", t.Name.Local), nil)
	}

	switch t.Name.Local {
	case elemRoot:
		if p.rootOpen || p.rootClosed {
			return p.corrupt("more than one root element", nil)
		}
		p.rootOpen = true
	case elemClass:
		if !p.rootOpen {
			return p.corrupt("object outside the root element", nil)
		}
		return p.openObject(t)
	case elemAttribute:
		if e, ok := p.top(); !ok || e.kind != entryObject {
			return p.corrupt("attribute outside an object", nil)
		}
		name := lookupAttr(t, attrName)
		if name == "" {
			return p.corrupt("attribute without a name", nil)
		}
		p.push(entry{kind: entryAttribute, name: name})
	case elemValue:
		p.inValue = true
		p.text = p.text[:0]
	case elemSequence:
		p.push(entry{kind: entrySequence})
	default:
		return p.corrupt(fmt.Sprintf("unknown element <%s>", t.Name.Local), nil)
	}
	return nil
}

func (p *parser) openObject(t xml.StartElement) error {
	name := lookupAttr(t, attrName)
	category := lookupAttr(t, attrCategory)
	if name == "" {
		return p.corrupt("object without a class name", nil)
	}

	if name == domain.EmptyClass.Name && category == domain.EmptyClass.Category {
		p.skipObject()
		return nil
	}

	stored, err := domain.ParseVersion(lookupAttr(t, attrVersion))
	if err != nil {
		return p.corrupt("bad object version", err)
	}

	cls, ok := p.ctx.Plugins.Lookup(category, name)
	if !ok {
		p.errs = append(p.errs, &domain.PluginResolutionError{Category: category, Name: name})
		p.skipObject()
		return nil
	}
	if !cls.Schema.Version.IsCompatible(stored) {
		p.errs = append(p.errs, &SchemaVersionError{
			Category: category,
			Class:    name,
			Stored:   stored,
			Current:  cls.Schema.Version,
		})
		p.skipObject()
		return nil
	}

	p.push(entry{kind: entryObject, obj: cls.Bare()})
	return nil
}

// skipObject pushes a placeholder and ignores everything up to the matching
// close.
func (p *parser) skipObject() {
	p.push(entry{kind: entryObject, obj: domain.NewEmptyObject()})
	p.ignoreDepth = 1
}

func (p *parser) close(t xml.EndElement) error {
	if p.ignoreDepth > 0 {
		p.ignoreDepth--
		return nil
	}

	switch t.Name.Local {
	case elemRoot:
		p.rootOpen = false
		p.rootClosed = true
	case elemValue:
		p.inValue = false
		v, err := p.ctx.Literals.Eval(string(p.text))
		if err != nil {
			return p.corrupt("unparsable value", err)
		}
		p.push(entry{kind: entryValue, value: v})
	case elemSequence:
		return p.closeSequence()
	case elemAttribute:
		return p.closeAttribute()
	case elemClass:
		return p.closeObject()
	}
	return nil
}

func (p *parser) closeSequence() error {
	start := -1
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].kind == entrySequence {
			start = i
			break
		}
	}
	if start < 0 {
		return p.corrupt("sequence close without open", nil)
	}
	items := make([]any, 0, len(p.stack)-start-1)
	for _, e := range p.stack[start+1:] {
		switch e.kind {
		case entryValue:
			items = append(items, e.value)
		case entryObject:
			items = append(items, e.obj)
		default:
			return p.corrupt("unexpected entry inside sequence", nil)
		}
	}
	p.stack = p.stack[:start]
	p.push(entry{kind: entryValue, value: items})
	return nil
}

func (p *parser) closeAttribute() error {
	val, ok := p.pop()
	if !ok || (val.kind != entryValue && val.kind != entryObject) {
		return p.corrupt("attribute without a value", nil)
	}
	attr, ok := p.pop()
	if !ok || attr.kind != entryAttribute {
		return p.corrupt("misplaced attribute value", nil)
	}
	owner, ok := p.top()
	if !ok || owner.kind != entryObject {
		return p.corrupt("attribute outside an object", nil)
	}

	v := val.value
	if val.kind == entryObject {
		v = val.obj
	}
	obj := owner.obj
	if _, found := obj.Schema().Item(attr.name); !found {
		p.errs = append(p.errs, &StaleAttributeError{Class: obj.ClassName(), Attribute: attr.name})
		return nil
	}
	if err := obj.Apply(attr.name, v); err != nil {
		p.errs = append(p.errs, &AttributeValueError{Class: obj.ClassName(), Attribute: attr.name, Err: err})
	}
	return nil
}

// closeObject fills every attribute missing from the record with its default,
// so older records gain the fields added since they were written.
func (p *parser) closeObject() error {
	e, ok := p.top()
	if !ok || e.kind != entryObject {
		return p.corrupt("object close without open", nil)
	}
	obj := e.obj
	schema := obj.Schema()
	for _, name := range schema.Names() {
		if obj.Has(name) {
			continue
		}
		v, err := p.ctx.DefaultValue(schema, name)
		if err != nil {
			p.errs = append(p.errs, &AttributeValueError{Class: obj.ClassName(), Attribute: name, Err: err})
			continue
		}
		if err := obj.Apply(name, v); err != nil {
			p.errs = append(p.errs, &AttributeValueError{Class: obj.ClassName(), Attribute: name, Err: err})
		}
	}
	return nil
}

func (p *parser) finish() (*domain.Object, error) {
	if p.inValue || p.ignoreDepth > 0 || p.rootOpen {
		return nil, p.corrupt("truncated record", io.ErrUnexpectedEOF)
	}
	if len(p.stack) != 1 || p.stack[0].kind != entryObject {
		return nil, p.corrupt(fmt.Sprintf("root holds %d entries, want one object", len(p.stack)), nil)
	}
	obj := p.stack[0].obj
	obj.ClearDirty()
	return obj, nil
}

func lookupAttr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// IsCorrupt reports whether err marks an unparsable record.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}
