// Package literal converts attribute values to and from the textual literal
// expressions stored inside persisted records.
//
// A literal is an HCL expression restricted to constant constructs: strings,
// numbers, booleans, null, tuples and objects. Evaluation happens against a
// fixed symbol table (None, True, False) with no functions available, so a
// record can never cause arbitrary code or lookups to run while it is decoded.
package literal

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// ErrUnsupported is returned by Format for Go values that have no literal form.
var ErrUnsupported = errors.New("value has no literal representation")

// symbols is the complete set of names a literal may reference.
var symbols = map[string]cty.Value{
	"None":  cty.NullVal(cty.DynamicPseudoType),
	"True":  cty.True,
	"False": cty.False,
}

// Symbols returns the names that literal expressions may reference.
func Symbols() []string {
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: symbols,
		Functions: map[string]function.Function{},
	}
}

// Format renders v as literal expression text. Strings are quoted
// byte for byte; cty would normalize them to NFC.
func Format(v any) (string, error) {
	toks, err := tokensFor(v)
	if err != nil {
		return "", err
	}
	return string(toks.Bytes()), nil
}

func tokensFor(v any) (hclwrite.Tokens, error) {
	switch t := v.(type) {
	case string:
		return quotedTokens(t), nil
	case []string:
		elems := make([]hclwrite.Tokens, len(t))
		for i, s := range t {
			elems[i] = quotedTokens(s)
		}
		return hclwrite.TokensForTuple(elems), nil
	case []any:
		elems := make([]hclwrite.Tokens, len(t))
		for i, e := range t {
			toks, err := tokensFor(e)
			if err != nil {
				return nil, err
			}
			elems[i] = toks
		}
		return hclwrite.TokensForTuple(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]hclwrite.ObjectAttrTokens, len(keys))
		for i, k := range keys {
			toks, err := tokensFor(t[k])
			if err != nil {
				return nil, err
			}
			attrs[i] = hclwrite.ObjectAttrTokens{Name: quotedTokens(k), Value: toks}
		}
		return hclwrite.TokensForObject(attrs), nil
	}
	val, err := toCty(v)
	if err != nil {
		return nil, err
	}
	return hclwrite.TokensForValue(val), nil
}

func quotedTokens(s string) hclwrite.Tokens {
	return hclwrite.Tokens{
		{Type: hclsyntax.TokenOQuote, Bytes: []byte{'"'}},
		{Type: hclsyntax.TokenQuotedLit, Bytes: []byte(escapeString(s))},
		{Type: hclsyntax.TokenCQuote, Bytes: []byte{'"'}},
	}
}

// escapeString escapes s for a quoted HCL string, including the template
// introducers ${ and %{.
func escapeString(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '$', '%':
			b.WriteRune(r)
			if strings.HasPrefix(s[i+1:], "{") {
				b.WriteRune(r)
			}
		default:
			_, size := utf8.DecodeRuneInString(s[i:])
			if (size > 1 && !unicode.IsPrint(r)) || r < 0x20 || r == 0x7f {
				if r > 0xFFFF {
					fmt.Fprintf(&b, `\U%08x`, r)
				} else {
					fmt.Fprintf(&b, `\u%04x`, r)
				}
				continue
			}
			b.WriteString(s[i : i+size])
		}
	}
	return b.String()
}

// unescapeString reverses escapeString on the text between the quotes of
// a string the HCL parser has already accepted.
func unescapeString(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			n := 0
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'u':
				n = 4
			case 'U':
				n = 8
			default:
				return "", fmt.Errorf("invalid escape \\%c", s[i+1])
			}
			if n == 0 {
				i += 2
				continue
			}
			if i+2+n > len(s) {
				return "", fmt.Errorf("truncated escape %q", s[i:])
			}
			code, err := strconv.ParseUint(s[i+2:i+2+n], 16, 32)
			if err != nil {
				return "", fmt.Errorf("invalid escape %q", s[i:i+2+n])
			}
			b.WriteRune(rune(code))
			i += 2 + n
		case (c == '$' || c == '%') && strings.HasPrefix(s[i+1:], string(c)+"{"):
			b.WriteByte(c)
			b.WriteByte('{')
			i += 3
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// Eval parses and evaluates literal expression text.
func Eval(text string) (any, error) {
	src := []byte(text)
	expr, diags := hclsyntax.ParseExpression(src, "<literal>", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse literal %q: %s", abbreviate(text), diags.Error())
	}
	v, err := evalExpr(expr, src)
	if err != nil {
		return nil, fmt.Errorf("evaluate literal %q: %w", abbreviate(text), err)
	}
	return v, nil
}

// evalExpr walks tuples and objects itself so quoted strings are read from
// the source instead of from cty.
func evalExpr(expr hclsyntax.Expression, src []byte) (any, error) {
	switch e := expr.(type) {
	case *hclsyntax.TemplateExpr:
		if s, ok := quotedSource(e, src); ok {
			return unescapeString(s)
		}
	case *hclsyntax.TupleConsExpr:
		out := make([]any, len(e.Exprs))
		for i, ee := range e.Exprs {
			v, err := evalExpr(ee, src)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *hclsyntax.ObjectConsExpr:
		out := make(map[string]any, len(e.Items))
		for _, item := range e.Items {
			k, err := evalKey(item.KeyExpr, src)
			if err != nil {
				return nil, err
			}
			v, err := evalExpr(item.ValueExpr, src)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	val, diags := expr.Value(evalContext())
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	return fromCty(val)
}

func evalKey(expr hclsyntax.Expression, src []byte) (string, error) {
	if k, ok := expr.(*hclsyntax.ObjectConsKeyExpr); ok {
		if name := hcl.ExprAsKeyword(k); name != "" && !k.ForceNonLiteral {
			return name, nil
		}
		expr = k.Wrapped
	}
	v, err := evalExpr(expr, src)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("object key must be a string, got %T", v)
	}
	return s, nil
}

// quotedSource returns the text between the quotes of a plain quoted
// string. Templates with interpolations or directives are not plain.
func quotedSource(e *hclsyntax.TemplateExpr, src []byte) (string, bool) {
	for _, part := range e.Parts {
		if _, ok := part.(*hclsyntax.LiteralValueExpr); !ok {
			return "", false
		}
	}
	start, end := e.SrcRange.Start.Byte, e.SrcRange.End.Byte
	if start < 0 || end > len(src) || end-start < 2 || src[start] != '"' || src[end-1] != '"' {
		return "", false
	}
	return string(src[start+1 : end-1]), true
}

func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int8:
		return cty.NumberIntVal(int64(t)), nil
	case int16:
		return cty.NumberIntVal(int64(t)), nil
	case int32:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint8:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint16:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint32:
		return cty.NumberUIntVal(uint64(t)), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float32:
		return floatVal(float64(t))
	case float64:
		return floatVal(t)
	default:
		return cty.NilVal, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func floatVal(f float64) (cty.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return cty.NilVal, fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	return cty.NumberFloatVal(f), nil
}

// fromCty maps an evaluated value onto plain Go values. Integral numbers
// become int64, all other numbers float64.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("literal evaluated to an unknown value")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			e, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			e, err := fromCty(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("literal of type %s is not supported", ty.FriendlyName())
	}
}

func abbreviate(s string) string {
	if len(s) <= 40 {
		return s
	}
	return s[:37] + "..."
}
