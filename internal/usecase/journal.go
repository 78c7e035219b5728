package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

// Journal writes the run -> item -> hold attempt audit trail and mirrors
// every note to the operational log.
type Journal struct {
	store  ports.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewJournal wires the audit store with the operational logger.
func NewJournal(store ports.AuditStore, logger *slog.Logger, now func() time.Time) *Journal {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{store: store, logger: logger, now: now}
}

// BeginRun creates the run record for this invocation.
func (j *Journal) BeginRun(ctx context.Context, startedAt time.Time) (*domain.RunRecord, error) {
	run := &domain.RunRecord{
		UUID:      uuid.New(),
		StartedAt: startedAt.UTC(),
	}
	if err := j.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	return run, nil
}

// FinishRun persists the finalized run record.
func (j *Journal) FinishRun(ctx context.Context, run *domain.RunRecord) error {
	if err := j.store.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("finish run record: %w", err)
	}
	return nil
}

// RecordItem appends an item record under the run.
func (j *Journal) RecordItem(ctx context.Context, run *domain.RunRecord, number int64, item domain.Item) (*domain.ItemRecord, error) {
	rec := &domain.ItemRecord{
		RunID:         run.ID,
		ItemNumber:    number,
		ItemCreatedAt: item.CreatedAt.UTC(),
		Author:        item.Author,
		Format:        item.FormatCode,
		Language:      item.LanguageCode,
	}
	if err := j.store.CreateItem(ctx, rec); err != nil {
		return nil, fmt.Errorf("create item record: %w", err)
	}
	return rec, nil
}

// SetMatches stores how many registrations matched the item.
func (j *Journal) SetMatches(ctx context.Context, item *domain.ItemRecord, matches int) error {
	if err := j.store.SetItemMatches(ctx, item.ID, matches); err != nil {
		return fmt.Errorf("update item matches: %w", err)
	}
	item.NumRegistrationsFound = matches
	return nil
}

// RecordHoldAttempt appends a hold attempt record under the item. The
// success flag is written once, together with the record.
func (j *Journal) RecordHoldAttempt(ctx context.Context, item *domain.ItemRecord, reg domain.Registration, successful bool) (*domain.HoldAttemptRecord, error) {
	rec := &domain.HoldAttemptRecord{
		ItemID:             item.ID,
		RegistrationID:     reg.ID,
		PatronRecordNumber: reg.PatronRecordNumber,
		PickupLocation:     reg.PickupLocation,
		Successful:         successful,
	}
	if err := j.store.CreateHoldAttempt(ctx, rec); err != nil {
		return nil, fmt.Errorf("create hold attempt record: %w", err)
	}
	item.Holds = append(item.Holds, *rec)
	return rec, nil
}

// Note appends a leveled line to the record's log and emits it to the
// operational log. A non-nil cause is stored inline as the entry detail.
func (j *Journal) Note(ctx context.Context, ref domain.RecordRef, level domain.Level, msg string, cause error) domain.LogEntry {
	entry := domain.LogEntry{
		At:      j.now().UTC(),
		Level:   level,
		Message: msg,
		Detail:  errorDetail(cause),
	}

	attrs := []any{"record", string(ref.Kind), "record_id", ref.ID, "audit_level", string(level)}
	if entry.Detail != "" {
		attrs = append(attrs, "error", entry.Detail)
	}
	j.logger.Log(ctx, slogLevel(level), msg, attrs...)

	if err := j.store.AppendEntry(ctx, ref, &entry); err != nil {
		j.logger.Error("persist audit note", "record", string(ref.Kind), "record_id", ref.ID, "error", err)
	}
	return entry
}

func slogLevel(level domain.Level) slog.Level {
	switch level {
	case domain.LevelWarning:
		return slog.LevelWarn
	case domain.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stackTracer is implemented by errors that captured a goroutine stack.
type stackTracer interface {
	Stack() []byte
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(err.Error())
	var st stackTracer
	if errors.As(err, &st) && len(st.Stack()) > 0 {
		b.WriteString("\n")
		b.Write(st.Stack())
	}
	return b.String()
}
