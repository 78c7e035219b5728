package usecase

import (
	"context"
	"fmt"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

// MatchEngine finds the registrations interested in an item.
type MatchEngine struct {
	registrations ports.RegistrationStore
}

// NewMatchEngine wires the registration store.
func NewMatchEngine(registrations ports.RegistrationStore) *MatchEngine {
	return &MatchEngine{registrations: registrations}
}

// Match returns registrations whose author equals the item's author ignoring
// case and whose format and language match and are active, in ascending
// priority order. No match yields an empty slice, not an error.
func (m *MatchEngine) Match(ctx context.Context, item domain.Item) ([]domain.Registration, error) {
	regs, err := m.registrations.MatchingRegistrations(ctx, item.Author, item.FormatCode, item.LanguageCode)
	if err != nil {
		return nil, fmt.Errorf("match registrations: %w", err)
	}
	if regs == nil {
		regs = []domain.Registration{}
	}
	return regs, nil
}
