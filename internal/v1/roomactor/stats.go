package roomactor

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/planningpoker/core/internal/v1/domain"
)

// computeStats implements spec §4.4 "Statistics on reveal": numeric
// average/median rounded half-up to 2 decimals, mode by raw-value
// frequency (ties broken by deck order), consensus across both numeric
// and non-numeric votes, and the full distribution.
func computeStats(votes []*domain.Vote, deckSnapshot []domain.CardValue) domain.Stats {
	var numeric []float64
	distribution := make(map[domain.CardValue]int)
	rawValues := make([]domain.CardValue, 0, len(votes))

	for _, v := range votes {
		distribution[v.CardValue]++
		rawValues = append(rawValues, v.CardValue)
		if n, ok := parseNumeric(string(v.CardValue)); ok {
			numeric = append(numeric, n)
		}
	}

	stats := domain.Stats{
		Distribution: distribution,
		TotalVotes:   len(votes),
	}

	if len(numeric) > 0 {
		avg := roundHalfUp2(mean(numeric))
		stats.Average = &avg
		med := roundHalfUp2(median(numeric))
		stats.Median = &med
	}

	stats.Mode = mode(rawValues, deckSnapshot)
	stats.ConsensusReached = consensus(rawValues)

	return stats
}

func parseNumeric(s string) (float64, bool) {
	trimmed := strings.TrimSpace(s)
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func roundHalfUp2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// mode returns the single most-frequent raw card value; ties are broken by
// the value's position in deckSnapshot (smallest deck-index wins).
func mode(values []domain.CardValue, deckSnapshot []domain.CardValue) domain.CardValue {
	if len(values) == 0 {
		return ""
	}
	counts := make(map[domain.CardValue]int)
	for _, v := range values {
		counts[v]++
	}

	deckIndex := make(map[domain.CardValue]int, len(deckSnapshot))
	for i, c := range deckSnapshot {
		deckIndex[c] = i
	}

	var best domain.CardValue
	bestCount := -1
	bestIndex := math.MaxInt
	for v, c := range counts {
		idx, ok := deckIndex[v]
		if !ok {
			idx = math.MaxInt - 1
		}
		if c > bestCount || (c == bestCount && idx < bestIndex) {
			best = v
			bestCount = c
			bestIndex = idx
		}
	}
	return best
}

// consensus is true iff every vote (numeric or not) has the same raw value.
func consensus(values []domain.CardValue) bool {
	if len(values) == 0 {
		return false
	}
	first := values[0]
	for _, v := range values[1:] {
		if v != first {
			return false
		}
	}
	return true
}
