package tags

import "strings"

// numberGuardThreshold is the floor for merging tags that carry different
// numeric tokens without being versions.
const numberGuardThreshold float32 = 0.95

// MergeRules parameterizes CanMerge. Zero values set both thresholds to 0,
// so every pair that passes the guards with a non-negative similarity
// merges; callers build rules from config.
type MergeRules struct {
	// SimilarityThreshold is the default merge floor.
	SimilarityThreshold float32
	// RelatedThreshold is the lower floor used when both tags carry the
	// same version.
	RelatedThreshold float32
	// SubstringMinLength is the minimum word length eligible for the
	// substring boost.
	SubstringMinLength int
	// SubstringBoost is added to the similarity when one tag's word set is
	// a strict subset of the other's.
	SubstringBoost float32
	// SubstringStopWords are words that never receive the boost.
	SubstringStopWords map[string]struct{}
}

// NewMergeRules builds rules with a stop-word set from a slice.
func NewMergeRules(simThreshold, relThreshold float32, minLen int, boost float32, stopWords []string) MergeRules {
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return MergeRules{
		SimilarityThreshold: simThreshold,
		RelatedThreshold:    relThreshold,
		SubstringMinLength:  minLen,
		SubstringBoost:      boost,
		SubstringStopWords:  stop,
	}
}

// CanMerge decides whether two tags may collapse into one canonical tag
// given their cosine similarity. Version identifiers and structured
// key:value tags carry meaning cosine distance cannot see, so the guards
// run before any threshold comparison. The predicate is symmetric in its
// tag arguments.
func CanMerge(r MergeRules, a, b string, similarity float32) bool {
	va, okA := ExtractVersion(a)
	vb, okB := ExtractVersion(b)

	// Different versions never merge.
	if okA && okB && va != vb {
		return false
	}

	aLower := strings.ToLower(a)
	bLower := strings.ToLower(b)

	prefixA, suffixA, colonA := SplitColon(aLower)
	prefixB, suffixB, colonB := SplitColon(bLower)

	// Same prefix, different suffix: type:bug vs type:refactor.
	if colonA && colonB && prefixA == prefixB && suffixA != suffixB {
		return false
	}

	// Structured vs plain: type:refactor vs refactor.
	if colonA != colonB {
		return false
	}

	// Substring boost for plain, unversioned, number-free tags.
	if !okA && !okB && !colonA && !colonB {
		numsA := ExtractNumbers(a)
		numsB := ExtractNumbers(b)

		if len(numsA) == 0 && len(numsB) == 0 {
			wordsA := wordSet(aLower)
			wordsB := wordSet(bLower)

			if sub, strict := strictSubsetWord(wordsA, wordsB); strict {
				if len(sub) >= r.SubstringMinLength {
					if _, stop := r.SubstringStopWords[sub]; !stop {
						similarity += r.SubstringBoost
						if similarity > 1.0 {
							similarity = 1.0
						}
					}
				}
			}
		}
	}

	threshold := r.SimilarityThreshold
	if okA && okB && va == vb {
		threshold = r.RelatedThreshold
	}
	if similarity < threshold {
		return false
	}

	// Different numbers rarely merge.
	if !okA && !okB {
		numsA := ExtractNumbers(a)
		numsB := ExtractNumbers(b)
		if len(numsA) > 0 && len(numsB) > 0 && !numberSetsEqual(numsA, numsB) {
			if similarity < numberGuardThreshold {
				return false
			}
		}
	}

	return true
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

// strictSubsetWord reports whether one word set is a strict subset of the
// other and returns a word from the smaller set. The subset relation, not
// the word choice, drives the boost; with single-word subsets (the common
// case: "auth" vs "auth flow") the returned word is deterministic.
func strictSubsetWord(a, b map[string]struct{}) (string, bool) {
	if len(a) == 0 || len(b) == 0 {
		return "", false
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == len(large) {
		return "", false
	}
	pick := ""
	for w := range small {
		if _, ok := large[w]; !ok {
			return "", false
		}
		if pick == "" || w < pick {
			pick = w
		}
	}
	return pick, true
}

func numberSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if _, ok := b[n]; !ok {
			return false
		}
	}
	return true
}
