package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	gen, digest, err := Parse("12-abcdef")
	require.NoError(t, err)
	assert.Equal(t, 12, gen)
	assert.Equal(t, "abcdef", digest)

	for _, bad := range []string{"", "abc", "-abc", "3-", "0-abc", "x-abc"} {
		_, _, err := Parse(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
		assert.False(t, Valid(bad))
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare("1-zzz", "2-aaa"))
	assert.Equal(t, 1, Compare("10-a", "9-z"), "generations compare numerically")
	assert.Equal(t, 1, Compare("3-b", "3-a"))
	assert.Equal(t, 0, Compare("3-a", "3-a"))
}

func TestWinner(t *testing.T) {
	tests := []struct {
		name   string
		leaves []Leaf
		want   string
	}{
		{
			name:   "higher generation wins",
			leaves: []Leaf{{RevID: "2-a"}, {RevID: "3-a"}},
			want:   "3-a",
		},
		{
			name:   "live beats deleted",
			leaves: []Leaf{{RevID: "5-a", Deleted: true}, {RevID: "2-b"}},
			want:   "2-b",
		},
		{
			name:   "digest breaks ties",
			leaves: []Leaf{{RevID: "2-aaa"}, {RevID: "2-bbb"}},
			want:   "2-bbb",
		},
		{
			name:   "all deleted",
			leaves: []Leaf{{RevID: "2-a", Deleted: true}, {RevID: "4-a", Deleted: true}},
			want:   "4-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Winner(tt.leaves)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.RevID)
		})
	}

	_, ok := Winner(nil)
	assert.False(t, ok)
}

func TestHistoryFromRevisions(t *testing.T) {
	history, err := HistoryFromRevisions(3, []string{"c", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3-c", "2-b", "1-a"}, history)

	_, err = HistoryFromRevisions(1, []string{"b", "a"})
	assert.Error(t, err)
}
