package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

const maxRotationAttempts = 5

// FairnessRotator moves the registration served first to the back of its
// group's line so the next match serves someone else first.
type FairnessRotator struct {
	registrations ports.RegistrationStore
	newBackOff    func() backoff.BackOff
}

// NewFairnessRotator wires the registration store.
func NewFairnessRotator(registrations ports.RegistrationStore) *FairnessRotator {
	return &FairnessRotator{
		registrations: registrations,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, maxRotationAttempts-1)
		},
	}
}

// Rotate gives reg a priority one greater than the current maximum of its
// group and returns the new value. The read and the write happen in one
// store transaction; a concurrent rotation that claimed the same value is
// retried against the fresh maximum.
func (r *FairnessRotator) Rotate(ctx context.Context, reg domain.Registration) (int, error) {
	var newOrder int
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		order, err := r.registrations.MoveToBack(ctx, reg.ID)
		if err != nil {
			if errors.Is(err, domain.ErrPriorityConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		newOrder = order
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(r.newBackOff(), ctx)); err != nil {
		return 0, fmt.Errorf("move registration %d to back of queue: %w", reg.ID, err)
	}
	return newOrder, nil
}
