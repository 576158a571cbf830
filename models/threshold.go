package models

import "sort"

// FilterByScore keeps the items whose score is strictly greater than
// threshold and returns them sorted by score, highest first. Items without a
// score are dropped.
func FilterByScore[T any](items []T, score func(T) (float64, bool), threshold float64) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if s, ok := score(item); ok && s > threshold {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, _ := score(out[i])
		sj, _ := score(out[j])
		return si > sj
	})
	return out
}

func MatchScore(m CatalogMatch) (float64, bool) { return m.Score, true }

func ReverseScore(r ReverseSearchResult) (float64, bool) {
	if r.Score == nil {
		return 0, false
	}
	return *r.Score, true
}

// CatalogMatchesAbove applies the similarity threshold to library matches.
func CatalogMatchesAbove(matches []CatalogMatch, threshold float64) []CatalogMatch {
	return FilterByScore(matches, MatchScore, threshold)
}

// ReverseMatchesAbove applies the similarity threshold to internet matches.
func ReverseMatchesAbove(results []ReverseSearchResult, threshold float64) []ReverseSearchResult {
	return FilterByScore(results, ReverseScore, threshold)
}

// ReverseCandidatesAbove is ReverseMatchesAbove followed by the unscored
// results in their original order.
func ReverseCandidatesAbove(results []ReverseSearchResult, threshold float64) []ReverseSearchResult {
	out := ReverseMatchesAbove(results, threshold)
	for _, r := range results {
		if r.Score == nil {
			out = append(out, r)
		}
	}
	return out
}
