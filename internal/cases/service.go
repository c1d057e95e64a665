// Package cases manages the analyst workflow for opened cases.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// maxAttempts bounds re-reads after a version conflict.
const maxAttempts = 5

// Store is the persistence the service needs.
type Store interface {
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)
	ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error)
	UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int) error
}

// Service applies case transitions with optimistic locking. When two
// analysts race, the later transition is re-applied on the fresh row.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a case service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// List returns cases matching filter.
func (s *Service) List(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	return s.store.ListCases(ctx, filter)
}

// ListForAnalyst returns OPEN cases plus those assigned to user.
func (s *Service) ListForAnalyst(ctx context.Context, user string) ([]*domain.Case, error) {
	if strings.TrimSpace(user) == "" {
		return s.store.ListCases(ctx, domain.CaseFilter{Status: domain.CaseOpen})
	}
	return s.store.ListCases(ctx, domain.CaseFilter{OpenOrAssignedTo: user})
}

// Get returns a single case.
func (s *Service) Get(ctx context.Context, id string) (*domain.Case, error) {
	return s.store.GetCase(ctx, id)
}

// Claim assigns the case to the calling analyst.
func (s *Service) Claim(ctx context.Context, id, user string) (*domain.Case, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	return s.transition(ctx, id, func(c *domain.Case) error {
		return c.Claim(user, s.now().UTC())
	})
}

// Assign hands the case to user on someone else's behalf.
func (s *Service) Assign(ctx context.Context, id, user string) (*domain.Case, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: assignee is required", domain.ErrInvalidInput)
	}
	return s.transition(ctx, id, func(c *domain.Case) error {
		return c.Claim(user, s.now().UTC())
	})
}

// Resolve closes the case with the analyst's resolution notes.
func (s *Service) Resolve(ctx context.Context, id, user, notes string) (*domain.Case, error) {
	c, err := s.transition(ctx, id, func(c *domain.Case) error {
		return c.Resolve(notes, s.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	slog.Info("case resolved", "case_id", id, "user", user)
	return c, nil
}

func (s *Service) transition(ctx context.Context, id string, apply func(*domain.Case) error) (*domain.Case, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.store.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := c.Version
		if err := apply(c); err != nil {
			return nil, err
		}

		err = s.store.UpdateCase(ctx, c, expected)
		if err == nil {
			metrics.CaseTransitions.WithLabelValues(string(c.Status)).Inc()
			return c, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= maxAttempts {
			return nil, fmt.Errorf("failed to update case %s: %w", id, err)
		}

		slog.Debug("case version conflict, retrying", "case_id", id, "attempt", attempt)
	}
}
