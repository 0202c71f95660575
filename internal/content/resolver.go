// Package content resolves and reserves pooled media and text for warmup phases.
package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/sunshow/warmupd/internal/db"
	"github.com/sunshow/warmupd/internal/warmup"
)

// ErrNoContentAvailable is returned when a pool has no free item for a phase.
// Callers treat it as a soft failure and retry on a later cycle.
var ErrNoContentAvailable = errors.New("no content available")

// defaultAttempts bounds retries after losing a reservation race
const defaultAttempts = 3

// Store is the content pool contract
type Store interface {
	FindCandidates(ctx context.Context, kind warmup.ContentKind, categories []warmup.Category, sharing []warmup.PhaseType) ([]db.ContentRef, error)
	GetContent(ctx context.Context, kind warmup.ContentKind, id int64) (*db.ContentRef, error)
	Reserve(ctx context.Context, phaseID int64, media, text *db.ContentRef) error
	Release(ctx context.Context, phaseID int64) error
}

// Assignment is the content handed to the actuator for one phase
type Assignment struct {
	Media *db.ContentRef `json:"media,omitempty"`
	Text  *db.ContentRef `json:"text,omitempty"`
	// FixedText is a literal that replaces pooled text, e.g. a highlight title
	FixedText string `json:"fixed_text,omitempty"`
}

// TextValue returns the text the actuator should type, if any
func (a *Assignment) TextValue() string {
	if a.FixedText != "" {
		return a.FixedText
	}
	if a.Text != nil {
		return a.Text.Value
	}
	return ""
}

// Resolver picks and reserves content for phases
type Resolver struct {
	store    Store
	logger   *zap.SugaredLogger
	attempts int
	// intn returns a uniform value in [0, n); replaced in tests
	intn func(n int) int
}

// NewResolver creates a resolver over store
func NewResolver(store Store, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		store:    store,
		logger:   logger,
		attempts: defaultAttempts,
		intn:     rand.IntN,
	}
}

// Resolve returns the phase's content, reserving pool items for any slot that is
// still empty. Existing assignments are kept as they are.
func (r *Resolver) Resolve(ctx context.Context, phase *db.Phase) (*Assignment, error) {
	spec, err := warmup.Spec(phase.Phase)
	if err != nil {
		return nil, err
	}

	a := &Assignment{FixedText: spec.FixedText}
	needMedia, needText := spec.Media != nil, spec.Text != nil

	if needMedia && phase.AssignedContentID != nil {
		if a.Media, err = r.store.GetContent(ctx, warmup.KindMedia, *phase.AssignedContentID); err != nil {
			return nil, fmt.Errorf("load assigned media: %w", err)
		}
		needMedia = false
	}
	if needText && phase.AssignedTextID != nil {
		if a.Text, err = r.store.GetContent(ctx, warmup.KindText, *phase.AssignedTextID); err != nil {
			return nil, fmt.Errorf("load assigned text: %w", err)
		}
		needText = false
	}
	if !needMedia && !needText {
		return a, nil
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		var media, text *db.ContentRef
		if needMedia {
			if media, err = r.pick(ctx, *spec.Media); err != nil {
				return nil, fmt.Errorf("resolve media for %s: %w", phase.Phase, err)
			}
		}
		if needText {
			if text, err = r.pick(ctx, *spec.Text); err != nil {
				return nil, fmt.Errorf("resolve text for %s: %w", phase.Phase, err)
			}
		}

		err = r.store.Reserve(ctx, phase.ID, media, text)
		if err == nil {
			if media != nil {
				a.Media = media
			}
			if text != nil {
				a.Text = text
			}
			r.logger.Infow("Content reserved", "phase_id", phase.ID, "account_id", phase.AccountID,
				"phase", phase.Phase, "media_id", refID(media), "text_id", refID(text))
			return a, nil
		}
		if !errors.Is(err, db.ErrUniqueViolation) {
			return nil, fmt.Errorf("reserve content: %w", err)
		}
		r.logger.Warnw("Content reservation collided, retrying", "phase_id", phase.ID, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: %s lost %d reservation races", ErrNoContentAvailable, phase.Phase, r.attempts)
}

// pick selects one free item uniformly at random
func (r *Resolver) pick(ctx context.Context, need warmup.ContentNeed) (*db.ContentRef, error) {
	candidates, err := r.store.FindCandidates(ctx, need.Kind, need.Categories, warmup.PhasesSharing(need))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrNoContentAvailable, need.Kind, need.Categories)
	}
	ref := candidates[r.intn(len(candidates))]
	return &ref, nil
}

// Release returns a phase's items to their pools
func (r *Resolver) Release(ctx context.Context, phaseID int64) error {
	if err := r.store.Release(ctx, phaseID); err != nil {
		return err
	}
	r.logger.Infow("Content released", "phase_id", phaseID)
	return nil
}

func refID(ref *db.ContentRef) any {
	if ref == nil {
		return nil
	}
	return ref.ID
}
