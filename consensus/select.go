package consensus

import (
	"cmp"
	"slices"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/wire"
)

// selectWrite picks the value to write out of the collected States and the timestamp to
// write it with. The value is, in order of preference:
//   - a value present in States of more than f processes;
//   - the present value with the highest timestamp;
//   - the fallback, which is the leader's proposal.
//
// Ties are broken deterministically, so that every process selects the same value out of the
// same States.
func selectWrite(collected map[depchain.ProcessID]*wire.State, leader depchain.ProcessID, f int, fallback depchain.Value) (int64, depchain.Value) {
	ids := make([]depchain.ProcessID, 0, len(collected))
	for id := range collected {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var maxTs int64
	counts := make(map[string]int)
	for _, id := range ids {
		s := collected[id]
		maxTs = max(maxTs, s.Timestamp)
		if s.Value.Present {
			counts[s.Value.Data]++
		}
	}
	ts := maxTs + 1

	// the most supported value, the lexicographically smaller one if equally supported
	var (
		certified string
		support   int
	)
	for v, n := range counts {
		if n > support || n == support && v < certified {
			certified, support = v, n
		}
	}
	if support > f {
		return ts, depchain.Some(certified)
	}

	// the leader's State comes first among equal timestamps, then by process ID
	slices.SortStableFunc(ids, func(a, b depchain.ProcessID) int {
		if c := cmp.Compare(collected[b].Timestamp, collected[a].Timestamp); c != 0 {
			return c
		}
		switch {
		case a == leader:
			return -1
		case b == leader:
			return 1
		default:
			return 0
		}
	})
	for _, id := range ids {
		if s := collected[id]; s.Value.Present {
			return ts, s.Value
		}
	}
	return ts, fallback
}
