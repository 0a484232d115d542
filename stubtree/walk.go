package stubtree

import (
	"fmt"
	"io"
	"strings"
)

// Equal compares two trees structurally: kind, payload where the stub
// implements PayloadEqualer, child count and child order.
func Equal(a, b Stub) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind().ExternalID() != b.Kind().ExternalID() {
		return false
	}
	if pe, ok := a.(PayloadEqualer); ok && !pe.PayloadEqual(b) {
		return false
	}
	ac, bc := a.Children(), b.Children()
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if !Equal(ac[i], bc[i]) {
			return false
		}
	}
	return true
}

// Flatten lists the tree depth-first, pre-order. Stub id lists index into it.
func Flatten(root Stub) []Stub {
	var list []Stub
	var walk func(s Stub)
	walk = func(s Stub) {
		list = append(list, s)
		for _, child := range s.Children() {
			walk(child)
		}
	}
	if root != nil {
		walk(root)
	}
	return list
}

// Dump writes one line per stub: flattened position, kind and the stub's
// String() if it has one.
func Dump(w io.Writer, root Stub) {
	pos := 0
	var walk func(s Stub, depth int)
	walk = func(s Stub, depth int) {
		line := fmt.Sprintf("%4d %s%s", pos, strings.Repeat("  ", depth), s.Kind().ExternalID())
		if str, ok := s.(fmt.Stringer); ok {
			line += " " + str.String()
		}
		_, _ = fmt.Fprintln(w, line)
		pos++
		for _, child := range s.Children() {
			walk(child, depth+1)
		}
	}
	if root == nil {
		_, _ = fmt.Fprintln(w, "<nil>")
		return
	}
	walk(root, 0)
}

func DumpString(root Stub) string {
	var sb strings.Builder
	Dump(&sb, root)
	return sb.String()
}
