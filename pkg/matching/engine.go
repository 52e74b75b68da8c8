// Package matching resolves a partial contact to the single best existing contact
package matching

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ContactFinder is the read side of the contact store used by the cascade.
// Lookups return nil (not an error) when nothing is found.
type ContactFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.Contact, error)
	FindByEmailDomain(ctx context.Context, query models.EmailDomainQuery) ([]models.Contact, error)
	FindByPhone(ctx context.Context, phone string) (*models.Contact, error)
	SearchByNameOrCompany(ctx context.Context, name, company string, limit int) ([]models.Contact, error)
	SearchByName(ctx context.Context, name string, limit int) ([]models.Contact, error)
	CountLinks(ctx context.Context, contactID string) (*models.ContactLinks, error)
}

// EngineConfig holds the thresholds of each cascade stage
type EngineConfig struct {
	FuzzyEmailMinLocalLength int     // local part must be longer than this (default: 3)
	FuzzyEmailThreshold      float64 // local-part similarity must exceed this (default: 0.9)
	FuzzyEmailScore          float64 // score reported for a fuzzy email hit (default: 0.95)

	PhoneMinDigits         int     // default: 10
	PhoneScore             float64 // default: 0.9
	PhoneNameConfirmAbove  float64 // name similarity above this raises the score (default: 0.6)
	PhoneConfirmedScore    float64 // default: 0.95
	PhoneNameConflictBelow float64 // name similarity below this demotes to MEDIUM (default: 0.2)
	PhoneConflictScore     float64 // default: 0.6

	NameWeight           float64 // default: 0.7
	CompanyWeight        float64 // default: 0.3
	NameCompanyThreshold float64 // default: 0.7

	NameOnlyThreshold float64 // default: 0.8

	HighTierScore float64 // fuzzy stages report HIGH at or above this, MEDIUM otherwise (default: 0.9)

	DomainCandidateLimit int // nearest same-domain candidates scored by the fuzzy email stage (default: 200)
	SearchCandidateLimit int // default: 50
}

// DefaultConfig returns default engine configuration
func DefaultConfig() EngineConfig {
	return EngineConfig{
		FuzzyEmailMinLocalLength: 3,
		FuzzyEmailThreshold:      0.9,
		FuzzyEmailScore:          0.95,
		PhoneMinDigits:           10,
		PhoneScore:               0.9,
		PhoneNameConfirmAbove:    0.6,
		PhoneConfirmedScore:      0.95,
		PhoneNameConflictBelow:   0.2,
		PhoneConflictScore:       0.6,
		NameWeight:               0.7,
		CompanyWeight:            0.3,
		NameCompanyThreshold:     0.7,
		NameOnlyThreshold:        0.8,
		HighTierScore:            0.9,
		DomainCandidateLimit:     200,
		SearchCandidateLimit:     50,
	}
}

// MatchOptions tune a single FindBestMatch call
type MatchOptions struct {
	// MinConfidence is the weakest tier accepted; anything below reports NONE (default: LOW)
	MinConfidence models.ConfidenceTier
	// IncludeLinks loads dependent row counts for the matched contact
	IncludeLinks bool
}

// Engine runs the staged match cascade against a ContactFinder
type Engine struct {
	logger ectologger.Logger
	store  ContactFinder
	scorer *Scorer
	config EngineConfig
}

// NewEngine creates a new match engine
func NewEngine(logger ectologger.Logger, store ContactFinder, config EngineConfig) *Engine {
	return &Engine{
		logger: logger,
		store:  store,
		scorer: NewScorer(),
		config: config,
	}
}

// matchQuery is the normalized view of a ContactInfo
type matchQuery struct {
	email   string
	local   string
	domain  string
	phone   string
	name    string
	company string
}

func newMatchQuery(info models.ContactInfo) matchQuery {
	q := matchQuery{
		email:   normalizers.NormalizeEmail(info.Email),
		phone:   normalizers.NormalizePhone(info.Phone),
		name:    normalizers.CollapseWhitespace(info.Name),
		company: normalizers.CollapseWhitespace(info.Company),
	}
	q.local, q.domain, _ = normalizers.EmailParts(q.email)
	return q
}

// stage runs one step of the cascade. It returns the best candidate it saw (possibly below
// its own threshold) and whether that candidate is accepted.
type stage struct {
	name models.MatchStage
	run  func(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error)
}

func (e *Engine) stages() []stage {
	return []stage{
		{name: models.StageExactEmail, run: e.matchExactEmail},
		{name: models.StageFuzzyEmail, run: e.matchFuzzyEmail},
		{name: models.StagePhone, run: e.matchPhone},
		{name: models.StageNameCompany, run: e.matchNameCompany},
		{name: models.StageNameOnly, run: e.matchNameOnly},
	}
}

// FindBestMatch runs the five-stage cascade (exact email, fuzzy email, phone, name+company,
// name only) and stops at the first stage that accepts a candidate. A result weaker than
// opts.MinConfidence is reported as NONE with the best score observed.
func (e *Engine) FindBestMatch(ctx context.Context, info models.ContactInfo, opts MatchOptions) (*models.MatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.FindBestMatch")
	defer span.End()

	start := time.Now()
	defer func() { metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	minConfidence := opts.MinConfidence
	if !minConfidence.Valid() {
		minConfidence = models.ConfidenceLow
	}

	q := newMatchQuery(info)
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"email":          q.email,
		"phone":          q.phone,
		"min_confidence": minConfidence,
	})

	var best, accepted *models.MatchResult
	for _, st := range e.stages() {
		candidate, ok, err := st.run(ctx, q)
		if err != nil {
			log.WithError(err).WithField("stage", st.name).Error("Contact lookup failed")
			return nil, fmt.Errorf("%s lookup: %w", st.name, err)
		}
		if candidate != nil && (best == nil || candidate.Score > best.Score) {
			best = candidate
		}
		if ok {
			accepted = candidate
			break
		}
	}

	result := e.resolve(accepted, best, minConfidence)
	metrics.MatchesTotal.WithLabelValues(string(result.Stage), string(result.Confidence)).Inc()

	if result.Matched() && opts.IncludeLinks {
		links, err := e.store.CountLinks(ctx, result.Contact.ID)
		if err != nil {
			log.WithError(err).Error("Failed to load contact links")
			return nil, fmt.Errorf("links lookup: %w", err)
		}
		result.Links = links
	}

	log.WithFields(map[string]any{
		"stage":      result.Stage,
		"confidence": result.Confidence,
		"score":      result.Score,
	}).Debug(result.Reason)

	return result, nil
}

func (e *Engine) resolve(accepted, best *models.MatchResult, minConfidence models.ConfidenceTier) *models.MatchResult {
	if accepted == nil {
		none := &models.MatchResult{Confidence: models.ConfidenceNone, Stage: models.StageNone, Reason: "no candidate met any stage threshold"}
		if best != nil {
			none.Score = best.Score
			none.Reason = fmt.Sprintf("no candidate met any stage threshold (best %.3f from %s)", best.Score, best.Stage)
		}
		return none
	}

	if !accepted.Confidence.AtLeast(minConfidence) {
		return &models.MatchResult{
			Confidence: models.ConfidenceNone,
			Score:      accepted.Score,
			Stage:      models.StageNone,
			Reason:     fmt.Sprintf("%s match (%s, %.3f) is below minimum confidence %s", accepted.Stage, accepted.Confidence, accepted.Score, minConfidence),
		}
	}

	return accepted
}

func (e *Engine) matchExactEmail(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error) {
	if q.email == "" {
		return nil, false, nil
	}

	contact, err := e.store.FindByEmail(ctx, q.email)
	if err != nil || contact == nil {
		return nil, false, err
	}

	return &models.MatchResult{
		Contact:    contact,
		Confidence: models.ConfidenceExact,
		Score:      1.0,
		Stage:      models.StageExactEmail,
		Reason:     "exact normalized email match",
	}, true, nil
}

func (e *Engine) matchFuzzyEmail(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error) {
	if q.domain == "" || utf8.RuneCountInString(q.local) <= e.config.FuzzyEmailMinLocalLength {
		return nil, false, nil
	}

	candidates, err := e.store.FindByEmailDomain(ctx, e.emailDomainQuery(q))
	if err != nil {
		return nil, false, err
	}

	var bestContact *models.Contact
	bestSim := 0.0
	for i := range candidates {
		local, _, ok := normalizers.EmailParts(candidates[i].Email)
		if !ok {
			continue
		}
		if sim := e.scorer.Similarity(q.local, local); sim > bestSim {
			bestSim = sim
			bestContact = &candidates[i]
		}
	}

	if bestContact == nil || bestSim <= e.config.FuzzyEmailThreshold {
		return nil, false, nil
	}

	return &models.MatchResult{
		Contact:    bestContact,
		Confidence: models.ConfidenceHigh,
		Score:      e.config.FuzzyEmailScore,
		Stage:      models.StageFuzzyEmail,
		Reason:     fmt.Sprintf("email local part %.3f similar to %s", bestSim, bestContact.Email),
	}, true, nil
}

// emailDomainQuery derives the candidate prefilter from the fuzzy email threshold.
// Similarity 1 - d/maxLen above t requires d < (1-t)*maxLen, which bounds both the
// candidate local-part length and the edit distance. Bounds are rounded outward;
// the scorer still applies the exact threshold.
func (e *Engine) emailDomainQuery(q matchQuery) models.EmailDomainQuery {
	query := models.EmailDomainQuery{
		Domain: q.domain,
		Local:  q.local,
		Limit:  e.config.DomainCandidateLimit,
	}

	slack := 1 - e.config.FuzzyEmailThreshold
	if slack <= 0 || slack >= 1 {
		return query
	}

	n := float64(utf8.RuneCountInString(q.local))
	query.MinLocalLength = int(math.Floor(n * (1 - slack)))
	query.MaxLocalLength = int(math.Ceil(n / (1 - slack)))
	query.MaxDistance = int(math.Ceil(slack * float64(query.MaxLocalLength)))
	return query
}

func (e *Engine) matchPhone(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error) {
	if len(q.phone) < e.config.PhoneMinDigits {
		return nil, false, nil
	}

	contact, err := e.store.FindByPhone(ctx, q.phone)
	if err != nil || contact == nil {
		return nil, false, err
	}

	result := &models.MatchResult{
		Contact:    contact,
		Confidence: models.ConfidenceHigh,
		Score:      e.config.PhoneScore,
		Stage:      models.StagePhone,
		Reason:     "normalized phone match",
	}

	// The name can only confirm or contradict the phone when both sides carry one.
	if q.name != "" && contact.Name != "" {
		nameSim := e.scorer.NameSimilarity(q.name, contact.Name)
		switch {
		case nameSim > e.config.PhoneNameConfirmAbove:
			result.Score = e.config.PhoneConfirmedScore
			result.Reason = fmt.Sprintf("normalized phone match confirmed by name (%.3f)", nameSim)
		case nameSim < e.config.PhoneNameConflictBelow:
			result.Score = e.config.PhoneConflictScore
			result.Confidence = models.ConfidenceMedium
			result.Reason = fmt.Sprintf("normalized phone match with conflicting name (%.3f), possibly a shared line", nameSim)
		}
	}

	return result, true, nil
}

func (e *Engine) matchNameCompany(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error) {
	if q.name == "" {
		return nil, false, nil
	}

	candidates, err := e.store.SearchByNameOrCompany(ctx, q.name, q.company, e.config.SearchCandidateLimit)
	if err != nil {
		return nil, false, err
	}

	var best *models.MatchResult
	for i := range candidates {
		nameSim := e.scorer.NameSimilarity(q.name, candidates[i].Name)
		companySim := e.scorer.CompanySimilarity(q.company, candidates[i].Company)
		combined := e.config.NameWeight*nameSim + e.config.CompanyWeight*companySim
		if best == nil || combined > best.Score {
			best = &models.MatchResult{
				Contact:    &candidates[i],
				Confidence: e.fuzzyTier(combined),
				Score:      combined,
				Stage:      models.StageNameCompany,
				Reason:     fmt.Sprintf("name %.3f and company %.3f similarity", nameSim, companySim),
			}
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, best.Score >= e.config.NameCompanyThreshold, nil
}

func (e *Engine) matchNameOnly(ctx context.Context, q matchQuery) (*models.MatchResult, bool, error) {
	// Reached only when no earlier stage accepted, so the fallback always runs for a named record.
	if q.name == "" {
		return nil, false, nil
	}

	candidates, err := e.store.SearchByName(ctx, q.name, e.config.SearchCandidateLimit)
	if err != nil {
		return nil, false, err
	}

	var best *models.MatchResult
	for i := range candidates {
		nameSim := e.scorer.NameSimilarity(q.name, candidates[i].Name)
		if best == nil || nameSim > best.Score {
			best = &models.MatchResult{
				Contact:    &candidates[i],
				Confidence: e.fuzzyTier(nameSim),
				Score:      nameSim,
				Stage:      models.StageNameOnly,
				Reason:     fmt.Sprintf("name-only similarity %.3f", nameSim),
			}
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, best.Score >= e.config.NameOnlyThreshold, nil
}

func (e *Engine) fuzzyTier(score float64) models.ConfidenceTier {
	if score >= e.config.HighTierScore {
		return models.ConfidenceHigh
	}
	return models.ConfidenceMedium
}
