package policy

// Alias tables for recurrent exports, in priority order. Positional default
// names come last so that an explicitly named tensor always wins.
var (
	StateInputAliases   = []string{"state", "obs", "observation", "observations", "input", "input_0", "input0"}
	HiddenInputAliases  = []string{"h_in", "hidden_in", "h0", "h", "input_1", "input1"}
	CellInputAliases    = []string{"c_in", "cell_in", "c0", "c", "input_2", "input2"}
	HiddenOutputAliases = []string{"h_out", "hn", "hidden", "h", "output_1", "output1"}
	CellOutputAliases   = []string{"c_out", "cn", "cell", "c", "output_2", "output2"}
)

// AnyRank disables the rank check in Resolve.
const AnyRank = -1

// Resolve returns the index of the first candidate, in candidate order, that
// names a declared tensor whose rank equals wantRank. names and ranks are
// parallel slices describing the declared tensors. A candidate whose name
// matches but whose rank does not is skipped.
func Resolve(names []string, ranks []int, candidates []string, wantRank int) (int, bool) {
	for _, cand := range candidates {
		for i, name := range names {
			if name != cand {
				continue
			}
			if wantRank != AnyRank && ranks[i] != wantRank {
				continue
			}
			return i, true
		}
	}
	return -1, false
}
