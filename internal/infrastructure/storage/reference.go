package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"

	"AutoHolds/internal/domain"
)

// Reference data is maintained by operators.

// UpsertFormat creates or updates a catalog format and returns its id.
func (db *DB) UpsertFormat(ctx context.Context, code, value string, active bool) (int64, error) {
	return db.upsert(ctx, "formats", "code",
		[]string{"code", "value", "active"}, []any{code, value, active})
}

// UpsertLanguage creates or updates a catalog language and returns its id.
func (db *DB) UpsertLanguage(ctx context.Context, code, name string, active bool) (int64, error) {
	return db.upsert(ctx, "languages", "code",
		[]string{"code", "name", "active"}, []any{code, name, active})
}

// UpsertPickupLocation creates or updates a pickup location and returns its id.
func (db *DB) UpsertPickupLocation(ctx context.Context, code, name string, active bool) (int64, error) {
	return db.upsert(ctx, "pickup_locations", "code",
		[]string{"code", "name", "active"}, []any{code, name, active})
}

// UpsertAuthor creates or updates an author and returns its id.
func (db *DB) UpsertAuthor(ctx context.Context, name, friendlyName string) (int64, error) {
	return db.upsert(ctx, "authors", "name",
		[]string{"name", "name_folded", "friendly_name"}, []any{name, domain.FoldAuthor(name), friendlyName})
}

// UpsertPatron creates or updates a patron and returns its id.
func (db *DB) UpsertPatron(ctx context.Context, recordNumber, pickupLocationID int64) (int64, error) {
	return db.upsert(ctx, "patrons", "patron_record_number",
		[]string{"patron_record_number", "pickup_location_id"}, []any{recordNumber, pickupLocationID})
}

func (db *DB) upsert(ctx context.Context, table, key string, columns []string, values []any) (int64, error) {
	var id int64
	err := db.trace(ctx, "upsert_"+table, func(ctx context.Context) error {
		builder := db.sb.Insert(table).Columns(columns...).Values(values...)
		suffix := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", key)
		for i, c := range columns {
			if i > 0 {
				suffix += ", "
			}
			suffix += fmt.Sprintf("%s = excluded.%s", c, c)
		}
		query, args, err := builder.Suffix(suffix + " RETURNING id").ToSql()
		if err != nil {
			return fmt.Errorf("build upsert: %w", err)
		}
		if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		return nil
	})
	return id, err
}

// AddRegistration puts a patron at the back of the queue for the group and
// returns the new registration.
func (db *DB) AddRegistration(ctx context.Context, patronID int64, group domain.GroupKey) (domain.Registration, error) {
	var id int64
	err := db.trace(ctx, "add_registration", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			query, args, err := db.sb.Select("COALESCE(MAX(hold_queue_order), 0) + 1").
				From("registrations").
				Where(groupFilter(group, "")).
				ToSql()
			if err != nil {
				return fmt.Errorf("build query: %w", err)
			}
			var order int
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&order); err != nil {
				return fmt.Errorf("next queue order: %w", err)
			}

			query, args, err = db.sb.Insert("registrations").
				Columns("patron_id", "author_id", "format_id", "language_id", "hold_queue_order").
				Values(patronID, group.AuthorID, group.FormatID, group.LanguageID, order).
				Suffix("RETURNING id").
				ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
				if isUniqueViolation(err) {
					return domain.ErrPriorityConflict
				}
				return fmt.Errorf("insert registration: %w", err)
			}
			return nil
		})
	}, attribute.Int64("patron_id", patronID))
	if err != nil {
		return domain.Registration{}, err
	}
	return db.GetRegistration(ctx, id)
}

// DeleteRegistration removes a registration. Orders of the remaining
// registrations in the group are left as they are.
func (db *DB) DeleteRegistration(ctx context.Context, id int64) error {
	return db.trace(ctx, "delete_registration", func(ctx context.Context) error {
		query, args, err := db.sb.Delete("registrations").Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete registration: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("registration %d: %w", id, ErrNotFound)
		}
		return nil
	}, attribute.Int64("registration_id", id))
}

// SetFormatActive toggles whether items of a format take part in matching.
func (db *DB) SetFormatActive(ctx context.Context, code string, active bool) error {
	return db.trace(ctx, "set_format_active", func(ctx context.Context) error {
		query, args, err := db.sb.Update("formats").Set("active", active).Where(sq.Eq{"code": code}).ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update format: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("format %q: %w", code, ErrNotFound)
		}
		return nil
	}, attribute.String("format", code))
}
