package contact

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/ingest"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/utils"
)

// Matcher finds the best existing contact for a partial record
type Matcher interface {
	FindBestMatch(ctx context.Context, info models.ContactInfo, opts matching.MatchOptions) (*models.MatchResult, error)
}

// Merger creates, enriches and consolidates contacts
type Merger interface {
	CreateOrUpdate(ctx context.Context, info models.ContactInfo, opts merging.MergeOptions) (*models.MergeOutcome, error)
	MergeContacts(ctx context.Context, primaryID string, secondaryIDs []string) (*models.ConsolidationResult, error)
}

// EventPublisher emits contact lifecycle events
type EventPublisher interface {
	PublishContactEvent(ctx context.Context, event *kafka.ContactEvent) error
}

type MatchRequest struct {
	models.ContactInfo
	MinConfidence string `json:"min_confidence" validate:"omitempty,oneof=EXACT HIGH MEDIUM LOW NONE exact high medium low none"`
	IncludeLinks  bool   `json:"include_links"`
}

type CreateOrUpdateRequest struct {
	models.ContactInfo
	// Source is added to the record's lead source tokens
	Source         string `json:"source" validate:"omitempty,max=64"`
	UpdateExisting *bool  `json:"update_existing"`
	MinConfidence  string `json:"min_confidence" validate:"omitempty,oneof=EXACT HIGH MEDIUM LOW NONE exact high medium low none"`
}

type MergeRequest struct {
	PrimaryID    string   `param:"id" validate:"required"`
	SecondaryIDs []string `json:"secondary_ids" validate:"required,min=1,dive,required"`
}

// Handler serves the contact admin API
type Handler struct {
	logger    ectologger.Logger
	matcher   Matcher
	merger    Merger
	publisher EventPublisher
}

// NewHandler creates a new contact handler. publisher may be nil.
func NewHandler(logger ectologger.Logger, matcher Matcher, merger Merger, publisher EventPublisher) *Handler {
	return &Handler{
		logger:    logger,
		matcher:   matcher,
		merger:    merger,
		publisher: publisher,
	}
}

// Register registers contact routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/contacts/match", h.Match)
	g.POST("/contacts", h.CreateOrUpdate)
	g.POST("/contacts/:id/merge", h.Merge)
}

// Match returns the best existing contact for the posted record without writing
func (h *Handler) Match(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[MatchRequest](c)
	if err != nil {
		return err
	}

	result, err := h.matcher.FindBestMatch(ctx, req.ContactInfo, matching.MatchOptions{
		MinConfidence: models.ParseConfidenceTier(req.MinConfidence, models.ConfidenceLow),
		IncludeLinks:  req.IncludeLinks,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// CreateOrUpdate folds the posted record into its matching contact or creates one
func (h *Handler) CreateOrUpdate(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[CreateOrUpdateRequest](c)
	if err != nil {
		return err
	}

	opts := merging.DefaultMergeOptions()
	if req.UpdateExisting != nil {
		opts.UpdateExisting = *req.UpdateExisting
	}
	opts.MinConfidence = models.ParseConfidenceTier(req.MinConfidence, opts.MinConfidence)

	outcome, err := h.merger.CreateOrUpdate(ctx, ingest.TagLeadSource(req.ContactInfo, req.Source), opts)
	if err != nil {
		return err
	}

	h.publish(ctx, kafka.NewOutcomeEvent(req.Source, outcome))

	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, outcome)
}

// Merge consolidates the posted secondaries into the contact in the path.
// A partial failure answers 207 with the failed secondaries listed.
func (h *Handler) Merge(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[MergeRequest](c)
	if err != nil {
		return err
	}

	result, err := h.merger.MergeContacts(ctx, req.PrimaryID, req.SecondaryIDs)
	var reassignErr *merging.ReassignmentError
	if err != nil && !errors.As(err, &reassignErr) {
		return err
	}

	h.publish(ctx, kafka.NewConsolidationEvent(result))

	if reassignErr != nil {
		return c.JSON(http.StatusMultiStatus, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) publish(ctx context.Context, event *kafka.ContactEvent) {
	if h.publisher == nil || event == nil {
		return
	}
	if err := h.publisher.PublishContactEvent(ctx, event); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("contact_id", event.ContactID).Warn("Failed to publish contact event")
	}
}
