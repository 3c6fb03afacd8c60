package historicalsync

import "github.com/evmindex/indexcore/internal/store"

// blockRange is an inclusive [From, To] block interval.
type blockRange struct {
	From, To uint64
}

// subtractCached returns the subranges of [start, end] not already covered
// by cached, per SPEC_FULL.md §4.2 step 3. cached is assumed non-overlapping
// but not necessarily sorted.
func subtractCached(start, end uint64, cached []store.CachedRange) []blockRange {
	if start > end {
		return nil
	}
	sorted := make([]store.CachedRange, len(cached))
	copy(sorted, cached)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].StartBlock > sorted[j].StartBlock; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var out []blockRange
	cursor := start
	for _, r := range sorted {
		if r.EndBlock < cursor || r.StartBlock > end {
			continue
		}
		if r.StartBlock > cursor {
			hi := r.StartBlock - 1
			if hi > end {
				hi = end
			}
			out = append(out, blockRange{From: cursor, To: hi})
		}
		if r.EndBlock+1 > cursor {
			cursor = r.EndBlock + 1
		}
		if cursor > end {
			break
		}
	}
	if cursor <= end {
		out = append(out, blockRange{From: cursor, To: end})
	}
	return out
}

// partition splits r into consecutive chunks of at most maxSize blocks.
func partition(r blockRange, maxSize uint64) []blockRange {
	if maxSize == 0 {
		maxSize = 1
	}
	var out []blockRange
	from := r.From
	for from <= r.To {
		to := from + maxSize - 1
		if to > r.To {
			to = r.To
		}
		out = append(out, blockRange{From: from, To: to})
		if to == r.To {
			break
		}
		from = to + 1
	}
	return out
}
