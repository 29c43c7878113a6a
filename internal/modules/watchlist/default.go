package watchlist

import (
	"context"
	"sort"
)

// DefaultSymbols computes the L3 default view: the distinct union of
// symbols across every live, enabled L2 selection. There is no backing
// table; this is a read-only derivation recomputed on demand.
func DefaultSymbols(ctx context.Context, selected *SelectedRepository) ([]string, error) {
	rows, err := selected.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, s := range rows {
		for _, sym := range s.Symbols {
			seen[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}
