// Package tax selects the protocol's cut from a settled pot.
package tax

import (
	"sort"

	"coinflip-engine/internal/model"
)

// Result holds the selected tax items and their exact aggregate value.
type Result struct {
	TaxedItems    []model.Item
	TotalTaxValue int64
}

// Compute picks a subset of the combined pot whose value approximates
// potValue*taxRate without ever exceeding it. Items are taken smallest
// first; the first item that would push the running total over the target
// ends the selection. This spreads the levy across many small items rather
// than a single large one and guarantees the advertised rate is never
// exceeded.
func Compute(combinedItems []model.Item, potValue int64, taxRate float64) Result {
	target := Target(potValue, taxRate)
	if target <= 0 || len(combinedItems) == 0 {
		return Result{TaxedItems: []model.Item{}}
	}

	sorted := make([]model.Item, len(combinedItems))
	copy(sorted, combinedItems)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Value < sorted[j].Value
	})

	var (
		taxed []model.Item
		total int64
	)
	for _, it := range sorted {
		if total+it.Value > target {
			break
		}
		taxed = append(taxed, it)
		total += it.Value
	}

	if taxed == nil {
		taxed = []model.Item{}
	}
	return Result{TaxedItems: taxed, TotalTaxValue: total}
}

// Target returns the tax ceiling in minor units, truncated so rounding can
// never push the levy above the advertised rate.
func Target(potValue int64, taxRate float64) int64 {
	if potValue <= 0 || taxRate <= 0 {
		return 0
	}
	return int64(float64(potValue) * taxRate)
}

// RewardPoolCut returns the fraction of the collected tax earmarked for the
// reward pool, truncated to minor units.
func RewardPoolCut(totalTaxValue int64, share float64) int64 {
	if totalTaxValue <= 0 || share <= 0 {
		return 0
	}
	return int64(float64(totalTaxValue) * share)
}

// Percentage reports the effective rate actually collected, for display.
func Percentage(totalTaxValue, potValue int64) float64 {
	if potValue <= 0 {
		return 0
	}
	return float64(totalTaxValue) / float64(potValue)
}
