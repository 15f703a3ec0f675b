// Package orderbook holds the pure order-book transforms: diff application, price
// grouping, cumulative depth and spread. Nothing here performs I/O or keeps state.
package orderbook

import (
	"fmt"
	"sort"

	"depthbook/internal/domain"

	"github.com/shopspring/decimal"
)

// search finds where price sits in a side-ordered sequence.
func search(side domain.Side, levels []domain.RawLevel, price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		return !side.Better(levels[i].Price, price)
	})
	found := idx < len(levels) && levels[idx].Price.Equal(price)
	return idx, found
}

// ApplyDiff applies feed diffs to levels in message order and returns a new sequence;
// levels itself is never modified. A positive size sets the level, a zero size removes
// it. Removing an unknown price is a no-op. Any negative size or non-positive price
// rejects the whole diff.
func ApplyDiff(side domain.Side, levels []domain.RawLevel, diffs []domain.RawLevel) ([]domain.RawLevel, error) {
	for _, d := range diffs {
		if !d.Price.IsPositive() {
			return nil, domain.NewDecodeError(side, fmt.Errorf("non-positive price %s", d.Price))
		}
		if d.Size.IsNegative() {
			return nil, domain.NewDecodeError(side, fmt.Errorf("negative size %s at %s", d.Size, d.Price))
		}
	}

	out := make([]domain.RawLevel, len(levels), len(levels)+len(diffs))
	copy(out, levels)

	for _, d := range diffs {
		idx, found := search(side, out, d.Price)

		if d.Size.IsZero() {
			if found {
				out = append(out[:idx], out[idx+1:]...)
			}
			continue
		}

		if found {
			out[idx].Size = d.Size
			continue
		}

		out = append(out, domain.RawLevel{})
		copy(out[idx+1:], out[idx:])
		out[idx] = d
	}

	return out, nil
}

// Normalize sorts levels into side order, merges equal prices and drops empty levels.
// Decoders and checkpoints use it so every committed sequence is strictly ordered.
func Normalize(side domain.Side, levels []domain.RawLevel) []domain.RawLevel {
	out := make([]domain.RawLevel, 0, len(levels))
	for _, l := range levels {
		if !l.Size.IsPositive() {
			continue
		}
		out = append(out, l)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return side.Better(out[i].Price, out[j].Price)
	})

	merged := out[:0]
	for _, l := range out {
		if n := len(merged); n > 0 && merged[n-1].Price.Equal(l.Price) {
			merged[n-1].Size = merged[n-1].Size.Add(l.Size)
			continue
		}
		merged = append(merged, l)
	}
	return merged
}

// IsOrdered reports whether levels are strictly ordered best-first for side.
func IsOrdered(side domain.Side, levels []domain.RawLevel) bool {
	for i := 1; i < len(levels); i++ {
		if !side.Better(levels[i-1].Price, levels[i].Price) {
			return false
		}
	}
	return true
}
