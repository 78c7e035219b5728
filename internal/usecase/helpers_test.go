package usecase

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/infrastructure/storage"
	"AutoHolds/internal/ports"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.DialectSQLite, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(nil))
	return db
}

// seedGroup registers the given patrons, in order, for one author, format
// and language. The format and language are created active.
func seedGroup(t *testing.T, db *storage.DB, author, format, language string, patrons ...int64) []domain.Registration {
	t.Helper()
	ctx := context.Background()

	authorID, err := db.UpsertAuthor(ctx, author, "")
	require.NoError(t, err)
	formatID, err := db.UpsertFormat(ctx, format, format, true)
	require.NoError(t, err)
	languageID, err := db.UpsertLanguage(ctx, language, language, true)
	require.NoError(t, err)
	branchID, err := db.UpsertPickupLocation(ctx, "mn", "Main", true)
	require.NoError(t, err)

	regs := make([]domain.Registration, 0, len(patrons))
	for _, p := range patrons {
		patronID, err := db.UpsertPatron(ctx, p, branchID)
		require.NoError(t, err)
		reg, err := db.AddRegistration(ctx, patronID, domain.GroupKey{AuthorID: authorID, FormatID: formatID, LanguageID: languageID})
		require.NoError(t, err)
		regs = append(regs, reg)
	}
	return regs
}

// stepClock returns a clock that advances one second per reading.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// fakeCatalog is an in-memory catalog that serves a fixed item list.
type fakeCatalog struct {
	mu sync.Mutex

	items      []domain.Item
	connectErr error
	fetchErr   error
	// holdErrs fails holds for a patron record number.
	holdErrs map[int64]error
	// panicOn panics when a hold is placed on the record number.
	panicOn map[int64]bool
	// onFetch runs after items are served.
	onFetch func()

	windows []domain.Window
	holds   []domain.HoldRequest
}

var (
	_ ports.CatalogConnector = (*fakeCatalog)(nil)
	_ ports.CatalogSession   = (*fakeCatalog)(nil)
)

func (f *fakeCatalog) Connect(context.Context) (ports.CatalogSession, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f, nil
}

func (f *fakeCatalog) NewItems(_ context.Context, window domain.Window) ([]domain.Item, error) {
	f.mu.Lock()
	f.windows = append(f.windows, window)
	items := append([]domain.Item(nil), f.items...)
	f.mu.Unlock()

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.onFetch != nil {
		f.onFetch()
	}
	return items, nil
}

func (f *fakeCatalog) PlaceHold(_ context.Context, req domain.HoldRequest) error {
	f.mu.Lock()
	f.holds = append(f.holds, req)
	f.mu.Unlock()

	if f.panicOn[req.RecordNumber] {
		panic("catalog exploded")
	}
	return f.holdErrs[req.PatronRecordNumber]
}

func (f *fakeCatalog) setItems(items ...domain.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeCatalog) holdPatrons() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.holds))
	for _, h := range f.holds {
		out = append(out, h.PatronRecordNumber)
	}
	return out
}

func newController(db *storage.DB, catalog *fakeCatalog, now func() time.Time) *RunController {
	return NewRunController(RunControllerDeps{
		Connector:     catalog,
		Registrations: db,
		Audit:         db,
		Now:           now,
	})
}

func item(id string, created time.Time, author string) domain.Item {
	return domain.Item{ID: id, CreatedAt: created, Author: author, FormatCode: "a", LanguageCode: "eng"}
}

func messages(entries []domain.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Level)+": "+e.Message)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
