package lseq

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Identifier
		want int
	}{
		{Identifier{1}, Identifier{2}, -1},
		{Identifier{2}, Identifier{1}, 1},
		{Identifier{1, 5}, Identifier{1, 5}, 0},
		{Identifier{1}, Identifier{1, 0}, -1},
		{Identifier{1, 9}, Identifier{2}, -1},
		{Identifier{}, Identifier{0}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compare(tt.a, tt.b), "Compare(%s, %s)", tt.a, tt.b)
	}
}

func TestIdentifier_KeyPreservesOrder(t *testing.T) {
	ids := []Identifier{{3}, {1, 65535}, {1}, {2, 0, 4}, {300}, {1, 2}, {2}}
	byCompare := append([]Identifier(nil), ids...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Less(byCompare[j]) })
	byKey := append([]Identifier(nil), ids...)
	sort.Slice(byKey, func(i, j int) bool { return byKey[i].Key() < byKey[j].Key() })
	assert.Equal(t, byCompare, byKey)
}

func TestIdentifier_Parent(t *testing.T) {
	id := Identifier{4, 7, 1}
	assert.Equal(t, Identifier{4, 7}, id.Parent())
	assert.Equal(t, 0, Identifier{4}.Parent().Depth())
	assert.Nil(t, Identifier{}.Parent())
}

func TestIdentifier_StringRoundTrip(t *testing.T) {
	id := Identifier{4, 17, 1}
	assert.Equal(t, "4.17.1", id.String())
	parsed, err := ParseIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseIdentifier("4.x")
	assert.Error(t, err)
	assert.Equal(t, "root", Identifier{}.String())
}
