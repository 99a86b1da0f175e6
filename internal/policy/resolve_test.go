package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		names      []string
		ranks      []int
		candidates []string
		rank       int
		want       int
		found      bool
	}{
		{
			name:       "explicit name beats positional default",
			names:      []string{"input_0", "obs"},
			ranks:      []int{2, 2},
			candidates: StateInputAliases,
			rank:       2,
			want:       1,
			found:      true,
		},
		{
			name:       "candidate order decides, not declaration order",
			names:      []string{"h", "h_in"},
			ranks:      []int{3, 3},
			candidates: HiddenInputAliases,
			rank:       3,
			want:       1,
			found:      true,
		},
		{
			name:       "rank mismatch falls through to next candidate",
			names:      []string{"state", "observation"},
			ranks:      []int{3, 2},
			candidates: StateInputAliases,
			rank:       2,
			want:       1,
			found:      true,
		},
		{
			name:       "positional defaults only",
			names:      []string{"input_0", "input_1", "input_2"},
			ranks:      []int{2, 3, 3},
			candidates: CellInputAliases,
			rank:       3,
			want:       2,
			found:      true,
		},
		{
			name:       "unprefixed positional default",
			names:      []string{"input0", "input1", "input2"},
			ranks:      []int{2, 3, 3},
			candidates: HiddenInputAliases,
			rank:       3,
			want:       1,
			found:      true,
		},
		{
			name:       "any rank",
			names:      []string{"hn"},
			ranks:      []int{2},
			candidates: HiddenOutputAliases,
			rank:       AnyRank,
			want:       0,
			found:      true,
		},
		{
			name:       "not found",
			names:      []string{"x", "y"},
			ranks:      []int{2, 3},
			candidates: CellOutputAliases,
			rank:       3,
			want:       -1,
			found:      false,
		},
		{
			name:       "only rank mismatches",
			names:      []string{"c"},
			ranks:      []int{2},
			candidates: CellInputAliases,
			rank:       3,
			want:       -1,
			found:      false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Resolve(tc.names, tc.ranks, tc.candidates, tc.rank)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
