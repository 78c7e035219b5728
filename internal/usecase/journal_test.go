package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoHolds/internal/domain"
)

func TestJournalNoteMirrorsToLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	j := NewJournal(db, logger, func() time.Time { return base })

	run, err := j.BeginRun(ctx, base)
	require.NoError(t, err)
	require.NotEqual(t, [16]byte{}, [16]byte(run.UUID))

	entry := j.Note(ctx, run.Ref(), domain.LevelWarning, "slow catalog", errors.New("took 30s"))
	assert.Equal(t, "took 30s", entry.Detail)
	assert.NotZero(t, entry.ID)
	j.Note(ctx, run.Ref(), domain.LevelSuccess, "done", nil)

	out := buf.String()
	assert.Contains(t, out, `level=WARN msg="slow catalog"`)
	assert.Contains(t, out, `error="took 30s"`)
	assert.Contains(t, out, `level=INFO msg=done record=run`)
	assert.Contains(t, out, "audit_level=success")

	entries, err := db.Entries(ctx, run.Ref())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LevelWarning, entries[0].Level)
	assert.True(t, entries[0].At.Equal(base))
}

func TestJournalNoteSurvivesStoreFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	db := newStore(t)
	j := NewJournal(db, slog.New(slog.NewTextHandler(&buf, nil)), nil)

	entry := j.Note(context.Background(), domain.RecordRef{Kind: domain.RecordItem, ID: 404}, domain.LevelInfo, "orphan", nil)
	assert.Equal(t, "orphan", entry.Message)
	assert.Contains(t, buf.String(), "persist audit note")
}

func TestErrorDetailIncludesStack(t *testing.T) {
	t.Parallel()

	assert.Empty(t, errorDetail(nil))
	detail := errorDetail(newPanicError("boom"))
	assert.Contains(t, detail, "panic: boom\ngoroutine")
}
