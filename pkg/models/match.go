package models

import "strings"

// ConfidenceTier buckets a match score.
type ConfidenceTier string

const (
	ConfidenceExact  ConfidenceTier = "EXACT"
	ConfidenceHigh   ConfidenceTier = "HIGH"
	ConfidenceMedium ConfidenceTier = "MEDIUM"
	ConfidenceLow    ConfidenceTier = "LOW"
	ConfidenceNone   ConfidenceTier = "NONE"
)

var tierCutoffs = map[ConfidenceTier]float64{
	ConfidenceExact:  1.0,
	ConfidenceHigh:   0.8,
	ConfidenceMedium: 0.6,
	ConfidenceLow:    0.4,
	ConfidenceNone:   0,
}

// Cutoff returns the minimum score a result of this tier must carry.
// Unknown tiers behave like NONE.
func (t ConfidenceTier) Cutoff() float64 {
	return tierCutoffs[t]
}

// Valid reports whether t is one of the known tiers.
func (t ConfidenceTier) Valid() bool {
	_, ok := tierCutoffs[t]
	return ok
}

// AtLeast reports whether t is as strong as other.
func (t ConfidenceTier) AtLeast(other ConfidenceTier) bool {
	return t.Cutoff() >= other.Cutoff()
}

// ParseConfidenceTier parses a tier name case-insensitively, falling back to def.
func ParseConfidenceTier(s string, def ConfidenceTier) ConfidenceTier {
	t := ConfidenceTier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return def
	}
	return t
}

// MatchStage names the cascade stage that produced a match.
type MatchStage string

const (
	StageExactEmail  MatchStage = "exact_email"
	StageFuzzyEmail  MatchStage = "fuzzy_email"
	StagePhone       MatchStage = "phone"
	StageNameCompany MatchStage = "name_company"
	StageNameOnly    MatchStage = "name_only"
	StageNone        MatchStage = "none"
)

// MatchResult is the single best match found for a partial contact.
type MatchResult struct {
	Contact    *Contact       `json:"contact,omitempty"`
	Confidence ConfidenceTier `json:"confidence"`
	Score      float64        `json:"score"`
	Stage      MatchStage     `json:"stage"`
	Reason     string         `json:"reason"`
	Links      *ContactLinks  `json:"links,omitempty"`
}

// Matched reports whether the result references a contact.
func (r *MatchResult) Matched() bool {
	return r != nil && r.Contact != nil && r.Confidence != ConfidenceNone
}

// MergeOutcome reports what CreateOrUpdate did with a partial contact.
type MergeOutcome struct {
	Contact *Contact `json:"contact"`
	Created bool     `json:"created"`
	Merged  bool     `json:"merged"`
	Reason  string   `json:"reason"`
}

// ConsolidationFailure describes one secondary that could not be folded into the primary.
type ConsolidationFailure struct {
	ContactID string `json:"contact_id"`
	Error     string `json:"error"`
}

// ConsolidationResult reports an explicit duplicate merge.
type ConsolidationResult struct {
	Contact *Contact               `json:"contact"`
	Merged  []string               `json:"merged"`
	Failed  []ConsolidationFailure `json:"failed,omitempty"`
}

// BatchStats accumulates per-record outcomes of an ingestion batch.
type BatchStats struct {
	Matched int `json:"matched"`
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Failed  int `json:"failed"`
}

// Add folds other into s.
func (s *BatchStats) Add(other BatchStats) {
	s.Matched += other.Matched
	s.Created += other.Created
	s.Merged += other.Merged
	s.Failed += other.Failed
}

// Total is the number of records the batch saw.
func (s BatchStats) Total() int {
	return s.Matched + s.Created + s.Failed
}

// EmailDomainQuery selects same-domain candidates for fuzzy email matching.
// Candidates outside the local-part length band or farther than MaxDistance
// edits cannot pass the similarity threshold and are filtered before Limit
// applies, nearest first. A zero MaxLocalLength disables both filters.
type EmailDomainQuery struct {
	Domain         string
	Local          string
	MinLocalLength int
	MaxLocalLength int
	MaxDistance    int
	Limit          int
}

// Banded reports whether the length band and distance filter apply
func (q EmailDomainQuery) Banded() bool {
	return q.MaxLocalLength > 0
}
