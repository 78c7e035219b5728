package usecase

import (
	"context"
	"fmt"
	"time"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

// CheckpointResolver derives the resume watermark from the audit trail.
// There is no separately stored checkpoint that could drift from the log.
type CheckpointResolver struct {
	audit ports.AuditStore
}

// NewCheckpointResolver builds a resolver over the audit store.
func NewCheckpointResolver(audit ports.AuditStore) *CheckpointResolver {
	return &CheckpointResolver{audit: audit}
}

// Resolve returns the watermark for a run that started at now. currentRunID
// is excluded from the run fallback; pass 0 when no run is in progress.
//
// The most recently created item record wins. Without one, the newest
// successful run resumes from where its window ended (its start time).
// Without any prior run, nothing is processed retroactively.
//
// The run fallback deliberately uses the start time rather than the end time
// of the previous run: items created while that run was working fall after
// its window and would otherwise never be fetched.
func (c *CheckpointResolver) Resolve(ctx context.Context, currentRunID int64, now time.Time) (domain.Watermark, error) {
	item, err := c.audit.LatestItem(ctx)
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("latest item record: %w", err)
	}
	if item != nil {
		return domain.Watermark{
			LastItemNumber: item.ItemNumber,
			ResumeFrom:     item.ItemCreatedAt.UTC(),
			Source:         domain.WatermarkFromItem,
		}, nil
	}

	run, err := c.audit.LatestSuccessfulRun(ctx, currentRunID)
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("latest finished run: %w", err)
	}
	if run != nil {
		return domain.Watermark{
			ResumeFrom: run.StartedAt.UTC(),
			Source:     domain.WatermarkFromRun,
		}, nil
	}

	return domain.Watermark{
		ResumeFrom: now.UTC(),
		Source:     domain.WatermarkFromClock,
	}, nil
}
