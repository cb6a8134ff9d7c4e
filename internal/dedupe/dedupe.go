// Package dedupe removes candidates whose link collides within a batch or with
// links already persisted.
package dedupe

import "github.com/JakeFAU/headlines/internal/scrape"

// Stats counts how many candidates each tier rejected.
type Stats struct {
	InBatch int
	InStore int
}

// Filter returns the candidates that are unique by link among themselves and
// absent from existing. The first occurrence of a link wins and survivors keep
// their relative order. Links are compared byte for byte; no URL normalization
// is applied.
func Filter(candidates []scrape.Candidate, existing map[string]struct{}) ([]scrape.Candidate, Stats) {
	var stats Stats
	seen := make(map[string]struct{}, len(candidates))
	survivors := make([]scrape.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Link]; dup {
			stats.InBatch++
			continue
		}
		seen[c.Link] = struct{}{}
		if _, stored := existing[c.Link]; stored {
			stats.InStore++
			continue
		}
		survivors = append(survivors, c)
	}
	return survivors, stats
}
