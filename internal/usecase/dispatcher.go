package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

const defaultRecordType = "b"

// DispatchConfig tunes hold placement.
type DispatchConfig struct {
	// RecordType is the catalog's item-type discriminator ("b" for bibs).
	RecordType string
	// Timeout bounds a single hold call; zero disables it.
	Timeout time.Duration
	// Limiter paces hold calls; nil means unlimited.
	Limiter *rate.Limiter
}

// HoldDispatcher places one hold for one matched registration and reports
// the outcome as a value. It never returns an error.
type HoldDispatcher struct {
	session ports.CatalogSession
	cfg     DispatchConfig
	tracer  trace.Tracer
}

// NewHoldDispatcher binds a dispatcher to the run's catalog session.
func NewHoldDispatcher(session ports.CatalogSession, cfg DispatchConfig, tracer trace.Tracer) *HoldDispatcher {
	if cfg.RecordType == "" {
		cfg.RecordType = defaultRecordType
	}
	return &HoldDispatcher{session: session, cfg: cfg, tracer: tracerOrNoop(tracer)}
}

// PlaceHold asks the catalog to place a hold on item itemNumber for reg.
func (d *HoldDispatcher) PlaceHold(ctx context.Context, itemNumber int64, reg domain.Registration) domain.HoldOutcome {
	ctx, span := d.tracer.Start(ctx, "autoholds.place_hold", trace.WithAttributes(
		attribute.Int64("item_number", itemNumber),
		attribute.Int64("patron_record_number", reg.PatronRecordNumber),
		attribute.Int64("registration_id", reg.ID),
	))
	defer span.End()

	outcome := d.place(ctx, itemNumber, reg)
	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	switch outcome.Kind {
	case domain.OutcomeRejected:
		span.SetStatus(codes.Error, outcome.Rejection.Error())
	case domain.OutcomeTransportFailure:
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome
}

func (d *HoldDispatcher) place(ctx context.Context, itemNumber int64, reg domain.Registration) domain.HoldOutcome {
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx); err != nil {
			return domain.HoldOutcome{Kind: domain.OutcomeTransportFailure, Err: fmt.Errorf("wait for hold rate limit: %w", err)}
		}
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	err := d.session.PlaceHold(ctx, domain.HoldRequest{
		PatronRecordNumber: reg.PatronRecordNumber,
		RecordType:         d.cfg.RecordType,
		RecordNumber:       itemNumber,
		PickupLocation:     reg.PickupLocation,
	})
	if err == nil {
		return domain.HoldOutcome{Kind: domain.OutcomePlaced}
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return domain.HoldOutcome{Kind: domain.OutcomeRejected, Rejection: apiErr}
	}
	return domain.HoldOutcome{Kind: domain.OutcomeTransportFailure, Err: err}
}
