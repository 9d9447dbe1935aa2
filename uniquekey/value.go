package uniquekey

import (
	"encoding/base64"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Kind is the JSON type of a Value.
type Kind uint8

const (
	// KindUndefined marks a path that does not resolve in the document.
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	// KindComposite is an object, list, set or binary leaf compared structurally.
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindComposite:
		return "composite"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// tag is the single-byte kind marker used in canonical encodings.
func (k Kind) tag() byte {
	return "uzbnsc"[k]
}

// Value is one element of a key tuple. The zero Value is Undefined.
type Value struct {
	kind Kind
	text string
}

// Undefined returns the sentinel for an absent path.
func Undefined() Value { return Value{} }

// Null returns the JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, text: strconv.FormatBool(b)}
}

// Number returns a numeric value from its decimal text. Numbers are compared by value,
// so "1", "1.0" and "1e0" are equal.
func Number(text string) Value {
	return Value{kind: KindNumber, text: canonicalNumber(text)}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, text: s}
}

// FromAttribute converts a DynamoDB attribute value. A nil attribute is Undefined.
func FromAttribute(av types.AttributeValue) Value {
	switch v := av.(type) {
	case nil:
		return Undefined()
	case *types.AttributeValueMemberNULL:
		return Null()
	case *types.AttributeValueMemberBOOL:
		return Bool(v.Value)
	case *types.AttributeValueMemberN:
		return Number(v.Value)
	case *types.AttributeValueMemberS:
		return String(v.Value)
	}
	var b strings.Builder
	encodeComposite(&b, av)
	return Value{kind: KindComposite, text: b.String()}
}

// Kind returns the value's type.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether v is the absent-path sentinel.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// Equal reports type-sensitive equality.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.text == o.text
}

// String renders the value for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.text)
	}
	return v.text
}

func canonicalNumber(text string) string {
	text = strings.TrimSpace(text)
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return text
	}
	if f == 0 {
		return "0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeComposite writes a canonical, order-independent rendering of non-scalar
// attributes. Map keys and set members are sorted.
func encodeComposite(b *strings.Builder, av types.AttributeValue) {
	switch v := av.(type) {
	case *types.AttributeValueMemberM:
		keys := make([]string, 0, len(v.Value))
		for k := range v.Value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			encodeElement(b, v.Value[k])
		}
		b.WriteByte('}')
	case *types.AttributeValueMemberL:
		b.WriteByte('[')
		for i, e := range v.Value {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeElement(b, e)
		}
		b.WriteByte(']')
	case *types.AttributeValueMemberSS:
		writeSet(b, "ss", quoteAll(v.Value))
	case *types.AttributeValueMemberNS:
		members := make([]string, len(v.Value))
		for i, n := range v.Value {
			members[i] = canonicalNumber(n)
		}
		writeSet(b, "ns", members)
	case *types.AttributeValueMemberBS:
		members := make([]string, len(v.Value))
		for i, raw := range v.Value {
			members[i] = base64.StdEncoding.EncodeToString(raw)
		}
		writeSet(b, "bs", members)
	case *types.AttributeValueMemberB:
		b.WriteString("b64:")
		b.WriteString(base64.StdEncoding.EncodeToString(v.Value))
	default:
		b.WriteString("?")
	}
}

func encodeElement(b *strings.Builder, av types.AttributeValue) {
	v := FromAttribute(av)
	b.WriteByte(v.kind.tag())
	b.WriteString(v.String())
}

func writeSet(b *strings.Builder, name string, members []string) {
	sort.Strings(members)
	b.WriteString(name)
	b.WriteByte('<')
	b.WriteString(strings.Join(members, ","))
	b.WriteByte('>')
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strconv.Quote(s)
	}
	return out
}
