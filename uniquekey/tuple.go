package uniquekey

import (
	"strconv"
	"strings"
)

// Tuple is the ordered list of values one document yields for one Definition.
type Tuple []Value

// Equal reports element-wise, type-sensitive equality.
func (t Tuple) Equal(o Tuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Key returns an unambiguous canonical encoding, suitable as a map key or for hashing.
// Each element is written as <kind tag><payload length>:<payload>.
func (t Tuple) Key() string {
	var b strings.Builder
	for _, v := range t {
		b.WriteByte(v.kind.tag())
		b.WriteString(strconv.Itoa(len(v.text)))
		b.WriteByte(':')
		b.WriteString(v.text)
	}
	return b.String()
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
