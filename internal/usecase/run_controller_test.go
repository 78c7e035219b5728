package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/infrastructure/storage"
)

func TestRunPlacesHoldsAndRotates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	regs := seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001, 1002, 1003)

	catalog := &fakeCatalog{
		items: []domain.Item{item("4200001", base.Add(-time.Hour), "JEMISIN, n. k.")},
		holdErrs: map[int64]error{
			1002: &domain.APIError{Code: ptr(132), Name: ptr("XCirc error")},
		},
	}
	controller := newController(db, catalog, stepClock(base))

	run, err := controller.Run(ctx)
	require.NoError(t, err)
	require.True(t, run.Successful)
	require.NotNil(t, run.EndedAt)
	require.Equal(t, 1, run.NumItemsFound)
	require.Equal(t, int64(4200001), *run.FirstItemNumber)
	require.Equal(t, int64(4200001), *run.LastItemNumber)

	assert.Equal(t, []int64{1001, 1002, 1003}, catalog.holdPatrons())

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, stored.Successful)
	require.Len(t, stored.Items, 1)

	rec := stored.Items[0]
	assert.Equal(t, 3, rec.NumRegistrationsFound)
	require.Len(t, rec.Holds, 3)
	assert.True(t, rec.Holds[0].Successful)
	assert.False(t, rec.Holds[1].Successful)
	assert.True(t, rec.Holds[2].Successful)
	assert.Equal(t, domain.LevelSuccess, rec.Holds[0].Entries[0].Level)
	assert.Equal(t, domain.LevelWarning, rec.Holds[1].Entries[0].Level)
	assert.Contains(t, rec.Holds[1].Entries[0].Message, "XCirc error (code: 132")

	itemLog := messages(rec.Entries)
	require.Len(t, itemLog, 2)
	assert.Equal(t, "info: Found 3 registrations for .b4200001a, format a and language eng", itemLog[0])
	assert.Equal(t, "info: Moved .p1001a to bottom of queue for .b4200001a, format a and language eng. New position is 4", itemLog[1])

	after, err := db.MatchingRegistrations(ctx, "Jemisin, N. K.", "a", "eng")
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, []int64{regs[1].ID, regs[2].ID, regs[0].ID}, []int64{after[0].ID, after[1].ID, after[2].ID})
	assert.Equal(t, []int{2, 3, 4}, []int{after[0].PriorityOrder, after[1].PriorityOrder, after[2].PriorityOrder})
}

func TestRunSingleMatchDoesNotRotate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Butler, Octavia E.", "a", "eng", 2001)

	catalog := &fakeCatalog{items: []domain.Item{item("500", base.Add(-time.Hour), "Butler, Octavia E.")}}
	run, err := newController(db, catalog, stepClock(base)).Run(ctx)
	require.NoError(t, err)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.Len(t, stored.Items[0].Entries, 1)

	regs, err := db.MatchingRegistrations(ctx, "Butler, Octavia E.", "a", "eng")
	require.NoError(t, err)
	require.Equal(t, 1, regs[0].PriorityOrder)
}

func TestRunResumesAfterLastRecordedItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	catalog := &fakeCatalog{items: []domain.Item{
		item("100", base.Add(-2*time.Hour), "Jemisin, N. K."),
		item("101", base.Add(-time.Hour), "Jemisin, N. K."),
	}}
	controller := newController(db, catalog, stepClock(base))

	first, err := controller.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, first.NumItemsFound)

	// The source window is inclusive, so the last item comes back again.
	catalog.setItems(
		item("101", base.Add(-time.Hour), "Jemisin, N. K."),
		item("102", base.Add(-30*time.Minute), "Jemisin, N. K."),
	)
	second, err := controller.Run(ctx)
	require.NoError(t, err)

	require.Len(t, catalog.windows, 2)
	assert.True(t, catalog.windows[1].From.Equal(base.Add(-time.Hour)))
	assert.True(t, catalog.windows[1].To.Equal(second.StartedAt))

	stored, err := db.GetRun(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, int64(102), stored.Items[0].ItemNumber)
	assert.Contains(t, messages(stored.Entries), "notice: Skipping .b101a because it is at or before the watermark .b101a")

	// Every item got exactly one hold across both runs.
	assert.Equal(t, []int64{1001, 1001, 1001}, catalog.holdPatrons())

	wm, err := NewCheckpointResolver(db).Resolve(ctx, 0, base)
	require.NoError(t, err)
	assert.Equal(t, domain.WatermarkFromItem, wm.Source)
	assert.Equal(t, int64(102), wm.LastItemNumber)
	again, err := NewCheckpointResolver(db).Resolve(ctx, 0, base)
	require.NoError(t, err)
	assert.Equal(t, wm, again)

	// Nothing new at the source: the next run records no items.
	third, err := controller.Run(ctx)
	require.NoError(t, err)
	stored, err = db.GetRun(ctx, third.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Items)
	assert.Len(t, catalog.holdPatrons(), 3)
}

// failingMatches breaks matching for one author.
type failingMatches struct {
	*storage.DB
	author string
}

func (f failingMatches) MatchingRegistrations(ctx context.Context, author, format, language string) ([]domain.Registration, error) {
	if author == f.author {
		return nil, errors.New("collation error")
	}
	return f.DB.MatchingRegistrations(ctx, author, format, language)
}

func TestRunMatchFailureIsIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	catalog := &fakeCatalog{items: []domain.Item{
		item("1", base.Add(-3*time.Hour), "Jemisin, N. K."),
		item("2", base.Add(-2*time.Hour), "Jemisin, N. K.\x00"),
		item("3", base.Add(-time.Hour), "Jemisin, N. K."),
	}}
	controller := NewRunController(RunControllerDeps{
		Connector:     catalog,
		Registrations: failingMatches{DB: db, author: "Jemisin, N. K.\x00"},
		Audit:         db,
		Now:           stepClock(base),
	})

	run, err := controller.Run(ctx)
	require.NoError(t, err)
	require.True(t, run.Successful)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 3)
	assert.Len(t, stored.Items[0].Holds, 1)
	assert.Empty(t, stored.Items[1].Holds)
	assert.Len(t, stored.Items[2].Holds, 1)
	assert.Contains(t, messages(stored.Entries), "error: An error occurred while processing .b2a")
}

func TestRunSkipsLowerNumberCreatedAfterWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	catalog := &fakeCatalog{items: []domain.Item{
		item("100", base.Add(-2*time.Hour), "Jemisin, N. K."),
		item("101", base.Add(-time.Hour), "Jemisin, N. K."),
	}}
	controller := newController(db, catalog, stepClock(base))
	_, err := controller.Run(ctx)
	require.NoError(t, err)

	// A record number below the watermark that reappears with a later
	// creation time was already seen.
	catalog.setItems(
		item("50", base.Add(-30*time.Minute), "Jemisin, N. K."),
		item("102", base.Add(-20*time.Minute), "Jemisin, N. K."),
	)
	second, err := controller.Run(ctx)
	require.NoError(t, err)

	stored, err := db.GetRun(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, int64(102), stored.Items[0].ItemNumber)
	assert.Contains(t, messages(stored.Entries), "notice: Skipping .b50a because it is at or before the watermark .b101a")
	assert.Equal(t, []int64{1001, 1001, 1001}, catalog.holdPatrons())
}

func TestRunReportsUnreadableTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)

	catalog := &fakeCatalog{items: []domain.Item{{
		ID:           "700",
		RawCreatedAt: "yesterday",
		CreatedAtErr: errors.New(`parse createdDate: cannot parse "yesterday"`),
		Author:       "Jemisin, N. K.",
	}}}
	run, err := newController(db, catalog, stepClock(base)).Run(ctx)
	require.NoError(t, err)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Items)

	var found *domain.LogEntry
	for i, e := range stored.Entries {
		if e.Level == domain.LevelError {
			found = &stored.Entries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, `Skipping .b700a because its creation timestamp "yesterday" is unreadable`, found.Message)
	assert.Equal(t, `parse createdDate: cannot parse "yesterday"`, found.Detail)
}

func TestRunIsolatesItemFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	catalog := &fakeCatalog{
		items: []domain.Item{
			item("not-a-number", base.Add(-4*time.Hour), "Jemisin, N. K."),
			{ID: "199", Author: "Jemisin, N. K.", FormatCode: "a", LanguageCode: "eng"},
			item("200", base.Add(-3*time.Hour), "Jemisin, N. K."),
			item("201", base.Add(-2*time.Hour), ""),
			item("202", base.Add(-time.Hour), "Jemisin, N. K."),
		},
		panicOn: map[int64]bool{200: true},
	}
	run, err := newController(db, catalog, stepClock(base)).Run(ctx)
	require.NoError(t, err)
	require.True(t, run.Successful)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)

	var itemNumbers []int64
	for _, it := range stored.Items {
		itemNumbers = append(itemNumbers, it.ItemNumber)
	}
	assert.Equal(t, []int64{200, 201, 202}, itemNumbers)

	var errorsLogged []domain.LogEntry
	for _, e := range stored.Entries {
		if e.Level == domain.LevelError {
			errorsLogged = append(errorsLogged, e)
		}
	}
	require.Len(t, errorsLogged, 3)
	assert.Contains(t, errorsLogged[0].Message, `malformed identifier "not-a-number"`)
	assert.Contains(t, errorsLogged[1].Message, ".b199a because it has no creation timestamp")
	assert.Equal(t, "An error occurred while processing .b200a", errorsLogged[2].Message)
	assert.True(t, strings.HasPrefix(errorsLogged[2].Detail, "panic: catalog exploded"))
	assert.Contains(t, errorsLogged[2].Detail, "goroutine")

	assert.Equal(t, []string{"notice: Skipping .b201a because it has no author"}, messages(stored.Items[1].Entries))
	require.Len(t, stored.Items[2].Holds, 1)
	assert.True(t, stored.Items[2].Holds[0].Successful)
}

func TestRunTransportFailureIsRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001, 1002)

	catalog := &fakeCatalog{
		items:    []domain.Item{item("300", base.Add(-time.Hour), "Jemisin, N. K.")},
		holdErrs: map[int64]error{1001: errors.New("connection reset by peer")},
	}
	run, err := newController(db, catalog, stepClock(base)).Run(ctx)
	require.NoError(t, err)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	holds := stored.Items[0].Holds
	require.Len(t, holds, 2)
	assert.False(t, holds[0].Successful)
	assert.Equal(t, domain.LevelError, holds[0].Entries[0].Level)
	assert.Equal(t, "connection reset by peer", holds[0].Entries[0].Detail)
	assert.True(t, holds[1].Successful)
}

func TestRunFetchFailureFailsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)

	catalog := &fakeCatalog{fetchErr: errors.New("sierra unavailable")}
	controller := newController(db, catalog, stepClock(base))

	run, err := controller.Run(ctx)
	require.ErrorIs(t, err, ErrFetch)
	require.NotNil(t, run)
	require.False(t, run.Successful)
	require.NotNil(t, run.EndedAt)

	stored, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, stored.Successful)
	assert.Contains(t, messages(stored.Entries), "error: Could not fetch new items from the catalog")

	latest, err := db.LatestSuccessfulRun(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, latest)

	catalog.connectErr = errors.New("bad credentials")
	_, err = controller.Run(ctx)
	require.ErrorIs(t, err, ErrFetch)
}

func TestRunFallsBackToPreviousRunStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newStore(t)

	catalog := &fakeCatalog{}
	controller := newController(db, catalog, stepClock(base))

	first, err := controller.Run(ctx)
	require.NoError(t, err)
	require.True(t, first.Successful)

	_, err = controller.Run(ctx)
	require.NoError(t, err)

	require.Len(t, catalog.windows, 2)
	// No run before the first: the window is empty.
	assert.True(t, catalog.windows[0].From.Equal(catalog.windows[0].To))
	assert.True(t, catalog.windows[1].From.Equal(first.StartedAt))
}

func TestRunInterruptedIsUnsuccessful(t *testing.T) {
	t.Parallel()
	db := newStore(t)
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	catalog := &fakeCatalog{
		items:   []domain.Item{item("400", base.Add(-time.Hour), "Jemisin, N. K.")},
		onFetch: cancel,
	}
	run, err := newController(db, catalog, stepClock(base)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, run.Successful)

	stored, err := db.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.EndedAt)
	assert.Empty(t, stored.Items)
	assert.Contains(t, messages(stored.Entries), "warning: Run interrupted with 1 of 1 items left unprocessed")
	assert.Empty(t, catalog.holdPatrons())
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })
	tracer := tp.Tracer("autoholds")

	db, err := storage.Open(ctx, storage.DialectSQLite, filepath.Join(t.TempDir(), "traced.db"), storage.WithTracer(tracer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(nil))
	seedGroup(t, db, "Jemisin, N. K.", "a", "eng", 1001)

	catalog := &fakeCatalog{items: []domain.Item{item("600", base.Add(-time.Hour), "Jemisin, N. K.")}}
	controller := NewRunController(RunControllerDeps{
		Connector:     catalog,
		Registrations: db,
		Audit:         db,
		Now:           stepClock(base),
		Tracer:        tracer,
	})
	_, err = controller.Run(ctx)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["autoholds.run"])
	assert.True(t, names["autoholds.place_hold"])
	assert.True(t, names["storage.create_run"])
	assert.True(t, names["storage.matching_registrations"])
}
