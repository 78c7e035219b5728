package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"AutoHolds/internal/domain"
	"AutoHolds/internal/ports"
)

var _ ports.AuditStore = (*DB)(nil)

var runColumns = []string{
	"id", "run_uuid", "started_at", "ended_at", "successful", "num_items_found",
	"first_item_number", "first_item_created_at", "last_item_number", "last_item_created_at",
	"log_created_at", "log_updated_at",
}

var itemColumns = []string{
	"id", "run_log_id", "item_number", "item_created_at", "author", "format", "language",
	"num_registrations_found", "log_created_at", "log_updated_at",
}

var holdColumns = []string{
	"id", "item_log_id", "registration_id", "patron_record_number", "pickup_location",
	"successful", "log_created_at", "log_updated_at",
}

// CreateRun inserts a run record and assigns its id.
func (db *DB) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	return db.trace(ctx, "create_run", func(ctx context.Context) error {
		now := db.stamp()
		query, args, err := db.sb.Insert("run_logs").
			Columns("run_uuid", "started_at", "successful", "num_items_found", "log_created_at", "log_updated_at").
			Values(run.UUID, run.StartedAt.UTC(), false, 0, now, now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&run.ID); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		run.CreatedAt, run.UpdatedAt = now, now
		return nil
	})
}

// FinishRun writes the end time, outcome and counters. A run can be
// finished only once.
func (db *DB) FinishRun(ctx context.Context, run *domain.RunRecord) error {
	if run.EndedAt == nil {
		return fmt.Errorf("finish run %d: end time not set", run.ID)
	}
	return db.trace(ctx, "finish_run", func(ctx context.Context) error {
		now := db.stamp()
		query, args, err := db.sb.Update("run_logs").
			SetMap(map[string]any{
				"ended_at":              run.EndedAt.UTC(),
				"successful":            run.Successful,
				"num_items_found":       run.NumItemsFound,
				"first_item_number":     nullInt64(run.FirstItemNumber),
				"first_item_created_at": nullTime(run.FirstItemCreated),
				"last_item_number":      nullInt64(run.LastItemNumber),
				"last_item_created_at":  nullTime(run.LastItemCreated),
				"log_updated_at":        now,
			}).
			Where(sq.Eq{"id": run.ID, "ended_at": nil}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d not open: %w", run.ID, ErrNotFound)
		}
		run.UpdatedAt = now
		return nil
	}, attribute.Int64("run_id", run.ID))
}

// CreateItem inserts an item record under its run.
func (db *DB) CreateItem(ctx context.Context, item *domain.ItemRecord) error {
	return db.trace(ctx, "create_item", func(ctx context.Context) error {
		now := db.stamp()
		query, args, err := db.sb.Insert("item_logs").
			Columns("run_log_id", "item_number", "item_created_at", "author", "format", "language",
				"num_registrations_found", "log_created_at", "log_updated_at").
			Values(item.RunID, item.ItemNumber, item.ItemCreatedAt.UTC(), item.Author, item.Format, item.Language,
				item.NumRegistrationsFound, now, now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		item.CreatedAt, item.UpdatedAt = now, now
		return nil
	}, attribute.Int64("run_id", item.RunID), attribute.Int64("item_number", item.ItemNumber))
}

// SetItemMatches records the number of registrations matched by an item.
func (db *DB) SetItemMatches(ctx context.Context, itemID int64, matches int) error {
	return db.trace(ctx, "set_item_matches", func(ctx context.Context) error {
		query, args, err := db.sb.Update("item_logs").
			Set("num_registrations_found", matches).
			Set("log_updated_at", db.stamp()).
			Where(sq.Eq{"id": itemID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %d: %w", itemID, ErrNotFound)
		}
		return nil
	}, attribute.Int64("item_id", itemID))
}

// CreateHoldAttempt inserts a hold attempt record under its item.
func (db *DB) CreateHoldAttempt(ctx context.Context, hold *domain.HoldAttemptRecord) error {
	return db.trace(ctx, "create_hold_attempt", func(ctx context.Context) error {
		now := db.stamp()
		regID := sql.NullInt64{Int64: hold.RegistrationID, Valid: hold.RegistrationID != 0}
		query, args, err := db.sb.Insert("hold_logs").
			Columns("item_log_id", "registration_id", "patron_record_number", "pickup_location",
				"successful", "log_created_at", "log_updated_at").
			Values(hold.ItemID, regID, hold.PatronRecordNumber, hold.PickupLocation,
				hold.Successful, now, now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&hold.ID); err != nil {
			return fmt.Errorf("insert hold attempt: %w", err)
		}
		hold.CreatedAt, hold.UpdatedAt = now, now
		return nil
	}, attribute.Int64("item_id", hold.ItemID))
}

// AppendEntry adds a log entry to a record and bumps the record's updated
// stamp in the same transaction.
func (db *DB) AppendEntry(ctx context.Context, ref domain.RecordRef, entry *domain.LogEntry) error {
	table, column, err := refTarget(ref)
	if err != nil {
		return err
	}
	if !entry.Level.Valid() {
		return fmt.Errorf("log entry level %q: unknown", entry.Level)
	}
	return db.trace(ctx, "append_entry", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			query, args, err := db.sb.Insert("log_entries").
				Columns(column, "logged_at", "level", "message", "detail").
				Values(ref.ID, entry.At.UTC(), string(entry.Level), entry.Message, entry.Detail).
				Suffix("RETURNING id").
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&entry.ID); err != nil {
				return fmt.Errorf("insert log entry: %w", err)
			}

			query, args, err = db.sb.Update(table).
				Set("log_updated_at", db.stamp()).
				Where(sq.Eq{"id": ref.ID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("touch %s: %w", table, err)
			}
			return nil
		})
	}, attribute.String("record", string(ref.Kind)), attribute.Int64("record_id", ref.ID))
}

func refTarget(ref domain.RecordRef) (table, column string, err error) {
	switch ref.Kind {
	case domain.RecordRun:
		return "run_logs", "run_log_id", nil
	case domain.RecordItem:
		return "item_logs", "item_log_id", nil
	case domain.RecordHold:
		return "hold_logs", "hold_log_id", nil
	}
	return "", "", fmt.Errorf("unknown record kind %q", ref.Kind)
}

// LatestItem returns the most recently created item record across all runs,
// or nil when no item was ever recorded.
func (db *DB) LatestItem(ctx context.Context) (*domain.ItemRecord, error) {
	var item *domain.ItemRecord
	err := db.trace(ctx, "latest_item", func(ctx context.Context) error {
		query, args, err := db.sb.Select(itemColumns...).
			From("item_logs").
			OrderBy("item_created_at DESC", "item_number DESC").
			Limit(1).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		rec, err := scanItem(db.conn.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		item = &rec
		return nil
	})
	return item, err
}

// LatestSuccessfulRun returns the most recently finished successful run
// other than excludeID, or nil when there is none.
func (db *DB) LatestSuccessfulRun(ctx context.Context, excludeID int64) (*domain.RunRecord, error) {
	var run *domain.RunRecord
	err := db.trace(ctx, "latest_successful_run", func(ctx context.Context) error {
		query, args, err := db.sb.Select(runColumns...).
			From("run_logs").
			Where(sq.Eq{"successful": true}).
			Where(sq.NotEq{"ended_at": nil, "id": excludeID}).
			OrderBy("ended_at DESC", "id DESC").
			Limit(1).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		rec, err := scanRun(db.conn.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		run = &rec
		return nil
	})
	return run, err
}

// ListRuns returns the newest runs first, without their children.
func (db *DB) ListRuns(ctx context.Context, limit uint64) ([]domain.RunRecord, error) {
	var runs []domain.RunRecord
	err := db.trace(ctx, "list_runs", func(ctx context.Context) error {
		builder := db.sb.Select(runColumns...).From("run_logs").OrderBy("started_at DESC", "id DESC")
		if limit > 0 {
			builder = builder.Limit(limit)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	return runs, err
}

// GetRun loads a run with its items, hold attempts and log entries.
func (db *DB) GetRun(ctx context.Context, id int64) (*domain.RunRecord, error) {
	var run domain.RunRecord
	err := db.trace(ctx, "get_run", func(ctx context.Context) error {
		query, args, err := db.sb.Select(runColumns...).From("run_logs").Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		run, err = scanRun(db.conn.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if run.Entries, err = db.entries(ctx, sq.Eq{"run_log_id": id}); err != nil {
			return err
		}
		if run.Items, err = db.itemsForRun(ctx, id); err != nil {
			return err
		}
		for i := range run.Items {
			item := &run.Items[i]
			if item.Entries, err = db.entries(ctx, sq.Eq{"item_log_id": item.ID}); err != nil {
				return err
			}
			if item.Holds, err = db.holdsForItem(ctx, item.ID); err != nil {
				return err
			}
			for j := range item.Holds {
				hold := &item.Holds[j]
				if hold.Entries, err = db.entries(ctx, sq.Eq{"hold_log_id": hold.ID}); err != nil {
					return err
				}
			}
		}
		return nil
	}, attribute.Int64("run_id", id))
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Entries returns the log of one record, oldest first.
func (db *DB) Entries(ctx context.Context, ref domain.RecordRef) ([]domain.LogEntry, error) {
	_, column, err := refTarget(ref)
	if err != nil {
		return nil, err
	}
	var entries []domain.LogEntry
	err = db.trace(ctx, "entries", func(ctx context.Context) error {
		entries, err = db.entries(ctx, sq.Eq{column: ref.ID})
		return err
	}, attribute.String("record", string(ref.Kind)), attribute.Int64("record_id", ref.ID))
	return entries, err
}

func (db *DB) itemsForRun(ctx context.Context, runID int64) ([]domain.ItemRecord, error) {
	query, args, err := db.sb.Select(itemColumns...).
		From("item_logs").
		Where(sq.Eq{"run_log_id": runID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.ItemRecord
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

func (db *DB) holdsForItem(ctx context.Context, itemID int64) ([]domain.HoldAttemptRecord, error) {
	query, args, err := db.sb.Select(holdColumns...).
		From("hold_logs").
		Where(sq.Eq{"item_log_id": itemID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hold attempts: %w", err)
	}
	defer rows.Close()

	var holds []domain.HoldAttemptRecord
	for rows.Next() {
		var (
			h     domain.HoldAttemptRecord
			regID sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.ItemID, &regID, &h.PatronRecordNumber, &h.PickupLocation,
			&h.Successful, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan hold attempt: %w", err)
		}
		h.RegistrationID = regID.Int64
		h.CreatedAt, h.UpdatedAt = h.CreatedAt.UTC(), h.UpdatedAt.UTC()
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return holds, nil
}

func (db *DB) entries(ctx context.Context, filter sq.Eq) ([]domain.LogEntry, error) {
	query, args, err := db.sb.Select("id", "logged_at", "level", "message", "detail").
		From("log_entries").
		Where(filter).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var (
			e     domain.LogEntry
			level string
		)
		if err := rows.Scan(&e.ID, &e.At, &level, &e.Message, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.At = e.At.UTC()
		e.Level = domain.Level(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var (
		r                       domain.RunRecord
		ended, firstAt, lastAt  sql.NullTime
		firstNumber, lastNumber sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.UUID, &r.StartedAt, &ended, &r.Successful, &r.NumItemsFound,
		&firstNumber, &firstAt, &lastNumber, &lastAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = r.StartedAt.UTC()
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	r.EndedAt = timePtr(ended)
	r.FirstItemNumber, r.FirstItemCreated = int64Ptr(firstNumber), timePtr(firstAt)
	r.LastItemNumber, r.LastItemCreated = int64Ptr(lastNumber), timePtr(lastAt)
	return r, nil
}

func scanItem(row rowScanner) (domain.ItemRecord, error) {
	var i domain.ItemRecord
	err := row.Scan(&i.ID, &i.RunID, &i.ItemNumber, &i.ItemCreatedAt, &i.Author, &i.Format, &i.Language,
		&i.NumRegistrationsFound, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return i, err
	}
	if err != nil {
		return i, fmt.Errorf("scan item: %w", err)
	}
	i.ItemCreatedAt = i.ItemCreatedAt.UTC()
	i.CreatedAt, i.UpdatedAt = i.CreatedAt.UTC(), i.UpdatedAt.UTC()
	return i, nil
}
