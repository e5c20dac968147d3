package lseq

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Identifier is the position of a node in a Tree: one segment per depth.
// The root's identifier is empty. Identifiers are immutable once assigned.
type Identifier []uint16

// Compare orders identifiers element-wise, then by length (a proper prefix
// sorts first). It returns -1, 0 or +1.
func Compare(a, b Identifier) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return cmp.Compare(a[i], b[i])
		}
	}
	return cmp.Compare(len(a), len(b))
}

// Less reports whether id sorts before other.
func (id Identifier) Less(other Identifier) bool {
	return Compare(id, other) < 0
}

// Equal reports whether both identifiers have the same segments.
func (id Identifier) Equal(other Identifier) bool {
	return Compare(id, other) == 0
}

// Depth is the number of segments, which equals the node's depth in the tree.
func (id Identifier) Depth() int {
	return len(id)
}

// Parent returns the identifier of the parent node. The parent of a depth-1
// identifier is the root (empty identifier).
func (id Identifier) Parent() Identifier {
	if len(id) == 0 {
		return nil
	}
	return id[:len(id)-1 : len(id)-1]
}

// Clone returns a copy that does not share storage with id.
func (id Identifier) Clone() Identifier {
	out := make(Identifier, len(id))
	copy(out, id)
	return out
}

// Key encodes id as a string whose byte order matches Compare.
// Used as the arena index key.
func (id Identifier) Key() string {
	buf := make([]byte, 2*len(id))
	for i, seg := range id {
		binary.BigEndian.PutUint16(buf[2*i:], seg)
	}
	return string(buf)
}

// String renders id as dot-separated segments, e.g. "3.17.2".
func (id Identifier) String() string {
	if len(id) == 0 {
		return "root"
	}
	parts := make([]string, len(id))
	for i, seg := range id {
		parts[i] = strconv.Itoa(int(seg))
	}
	return strings.Join(parts, ".")
}

// ParseIdentifier parses the String form of an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	if s == "root" || s == "" {
		return Identifier{}, nil
	}
	parts := strings.Split(s, ".")
	id := make(Identifier, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid identifier segment %q: %w", p, err)
		}
		id[i] = uint16(v)
	}
	return id, nil
}
