package matching

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Scorer provides the string and name comparison algorithms used by the match cascade.
// All scores are bounded to [0, 1] and never fail on malformed input.
type Scorer struct {
	nicknames *NicknameTable
}

// NewScorer creates a new Scorer using the built-in nickname table
func NewScorer() *Scorer {
	return NewScorerWithNicknames(DefaultNicknames())
}

// NewScorerWithNicknames creates a Scorer with a custom nickname table
func NewScorerWithNicknames(table *NicknameTable) *Scorer {
	return &Scorer{nicknames: table}
}

// Similarity returns 1 - distance/maxLen using unit-cost Levenshtein distance.
// Identical non-empty strings score 1; an empty side scores 0.
func (s *Scorer) Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return 1.0 - float64(s.LevenshteinDistance(a, b))/float64(maxLen)
}

// LevenshteinDistance calculates the edit distance between two strings, counted in runes
func (s *Scorer) LevenshteinDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// CompanySimilarity compares two company names after lowercasing and whitespace folding
func (s *Scorer) CompanySimilarity(a, b string) float64 {
	return s.Similarity(normalizers.NormalizeCompany(a), normalizers.NormalizeCompany(b))
}

// NameSimilarity compares two person names.
//
// exactScore is the share of original tokens the names have in common (as sets).
// fuzzyScore is the best pairwise Similarity between the nickname-expanded token sets.
// Fuzzy evidence is discounted: the result is max(exactScore, 0.8*fuzzyScore).
func (s *Scorer) NameSimilarity(name1, name2 string) float64 {
	tokens1 := uniqueTokens(normalizers.Tokens(name1))
	tokens2 := uniqueTokens(normalizers.Tokens(name2))
	if len(tokens1) == 0 || len(tokens2) == 0 {
		return 0.0
	}

	common := 0
	for t := range tokens1 {
		if _, ok := tokens2[t]; ok {
			common++
		}
	}
	exactScore := float64(common) / float64(max(len(tokens1), len(tokens2)))

	expanded1 := s.nicknames.Expand(tokens1)
	expanded2 := s.nicknames.Expand(tokens2)

	fuzzyScore := 0.0
	for a := range expanded1 {
		for b := range expanded2 {
			if sim := s.Similarity(a, b); sim > fuzzyScore {
				fuzzyScore = sim
			}
		}
	}

	return max(exactScore, fuzzyScore*fuzzyNameDiscount)
}

const fuzzyNameDiscount = 0.8

func uniqueTokens(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
