package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"AutoHolds/internal/domain"
)

type stubSession struct {
	place func(ctx context.Context, req domain.HoldRequest) error
	last  domain.HoldRequest
}

func (s *stubSession) NewItems(context.Context, domain.Window) ([]domain.Item, error) {
	return nil, nil
}

func (s *stubSession) PlaceHold(ctx context.Context, req domain.HoldRequest) error {
	s.last = req
	return s.place(ctx, req)
}

func TestHoldDispatcherOutcomes(t *testing.T) {
	t.Parallel()

	reg := domain.Registration{ID: 9, PatronRecordNumber: 1001, PickupLocation: "mn"}
	rejection := &domain.APIError{Code: ptr(132)}

	cases := []struct {
		name string
		err  error
		want domain.OutcomeKind
	}{
		{name: "placed", err: nil, want: domain.OutcomePlaced},
		{name: "rejected", err: rejection, want: domain.OutcomeRejected},
		{name: "wrapped rejection", err: fmt.Errorf("place hold: %w", rejection), want: domain.OutcomeRejected},
		{name: "transport", err: errors.New("EOF"), want: domain.OutcomeTransportFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			session := &stubSession{place: func(context.Context, domain.HoldRequest) error { return tc.err }}
			outcome := NewHoldDispatcher(session, DispatchConfig{}, nil).PlaceHold(context.Background(), 4200001, reg)

			assert.Equal(t, tc.want, outcome.Kind)
			assert.Equal(t, domain.HoldRequest{
				PatronRecordNumber: 1001,
				RecordType:         "b",
				RecordNumber:       4200001,
				PickupLocation:     "mn",
			}, session.last)
			switch tc.want {
			case domain.OutcomeRejected:
				assert.Same(t, rejection, outcome.Rejection)
			case domain.OutcomeTransportFailure:
				assert.Error(t, outcome.Err)
			}
		})
	}
}

func TestHoldDispatcherTimeoutIsTransportFailure(t *testing.T) {
	t.Parallel()

	session := &stubSession{place: func(ctx context.Context, _ domain.HoldRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := NewHoldDispatcher(session, DispatchConfig{Timeout: 10 * time.Millisecond}, nil)

	outcome := d.PlaceHold(context.Background(), 1, domain.Registration{})
	require.Equal(t, domain.OutcomeTransportFailure, outcome.Kind)
	require.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestHoldDispatcherRateLimit(t *testing.T) {
	t.Parallel()

	calls := 0
	session := &stubSession{place: func(context.Context, domain.HoldRequest) error {
		calls++
		return nil
	}}
	d := NewHoldDispatcher(session, DispatchConfig{RecordType: "i", Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}, nil)

	require.True(t, d.PlaceHold(context.Background(), 1, domain.Registration{}).Placed())
	require.Equal(t, "i", session.last.RecordType)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	outcome := d.PlaceHold(ctx, 2, domain.Registration{})
	require.Equal(t, domain.OutcomeTransportFailure, outcome.Kind)
	require.Equal(t, 1, calls)
}
