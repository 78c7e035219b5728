package ports

import (
	"context"
	"time"

	"AutoHolds/internal/domain"
)

// CatalogConnector establishes an authenticated session with the catalog system.
type CatalogConnector interface {
	Connect(ctx context.Context) (CatalogSession, error)
}

// CatalogSession is an authenticated handle threaded through one run.
type CatalogSession interface {
	// NewItems returns items created inside the window, in source order.
	NewItems(ctx context.Context, window domain.Window) ([]domain.Item, error)
	// PlaceHold asks the catalog to queue a hold. A rejection by the catalog
	// is reported as *domain.APIError; anything else is a transport failure.
	PlaceHold(ctx context.Context, req domain.HoldRequest) error
}

// RegistrationStore reads standing interests and maintains their queue order.
type RegistrationStore interface {
	// MatchingRegistrations returns active registrations for the attributes,
	// ordered by ascending priority.
	MatchingRegistrations(ctx context.Context, author, formatCode, languageCode string) ([]domain.Registration, error)
	// MoveToBack atomically gives the registration a priority one greater
	// than the current maximum of its group and returns the new value.
	MoveToBack(ctx context.Context, registrationID int64) (int, error)
}

// AuditStore persists the run -> item -> hold attempt hierarchy.
type AuditStore interface {
	CreateRun(ctx context.Context, run *domain.RunRecord) error
	FinishRun(ctx context.Context, run *domain.RunRecord) error
	CreateItem(ctx context.Context, item *domain.ItemRecord) error
	SetItemMatches(ctx context.Context, itemID int64, matches int) error
	CreateHoldAttempt(ctx context.Context, hold *domain.HoldAttemptRecord) error
	AppendEntry(ctx context.Context, ref domain.RecordRef, entry *domain.LogEntry) error

	// LatestItem returns the most recently created item record across all runs.
	LatestItem(ctx context.Context) (*domain.ItemRecord, error)
	// LatestSuccessfulRun returns the most recently finished successful run,
	// excluding the run with id excludeID.
	LatestSuccessfulRun(ctx context.Context, excludeID int64) (*domain.RunRecord, error)
}

// Scheduler controls when runs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
