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

var _ ports.RegistrationStore = (*DB)(nil)

var registrationColumns = []string{
	"r.id", "r.patron_id", "p.patron_record_number", "pl.code",
	"r.author_id", "a.name", "r.format_id", "f.code",
	"r.language_id", "l.code", "r.hold_queue_order",
}

func (db *DB) selectRegistrations() sq.SelectBuilder {
	return db.sb.Select(registrationColumns...).
		From("registrations r").
		Join("patrons p ON p.id = r.patron_id").
		Join("pickup_locations pl ON pl.id = p.pickup_location_id").
		Join("authors a ON a.id = r.author_id").
		Join("formats f ON f.id = r.format_id").
		Join("languages l ON l.id = r.language_id")
}

// MatchingRegistrations returns the registrations interested in an item with
// the given attributes, next in line first.
func (db *DB) MatchingRegistrations(ctx context.Context, author, formatCode, languageCode string) ([]domain.Registration, error) {
	var regs []domain.Registration
	err := db.trace(ctx, "matching_registrations", func(ctx context.Context) error {
		query, args, err := db.selectRegistrations().
			Where(sq.Eq{"a.name_folded": domain.FoldAuthor(author)}).
			Where(sq.Eq{
				"f.code":   formatCode,
				"f.active": true,
				"l.code":   languageCode,
				"l.active": true,
			}).
			OrderBy("r.hold_queue_order ASC", "r.id ASC").
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		regs, err = db.queryRegistrations(ctx, query, args...)
		return err
	}, attribute.String("format", formatCode), attribute.String("language", languageCode))
	return regs, err
}

// ListRegistrations returns every registration grouped by author, format and
// language, each group in queue order.
func (db *DB) ListRegistrations(ctx context.Context) ([]domain.Registration, error) {
	var regs []domain.Registration
	err := db.trace(ctx, "list_registrations", func(ctx context.Context) error {
		query, args, err := db.selectRegistrations().
			OrderBy("a.name", "f.code", "l.code", "r.hold_queue_order").
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		regs, err = db.queryRegistrations(ctx, query, args...)
		return err
	})
	return regs, err
}

// GetRegistration loads one registration by id.
func (db *DB) GetRegistration(ctx context.Context, id int64) (domain.Registration, error) {
	var reg domain.Registration
	err := db.trace(ctx, "get_registration", func(ctx context.Context) error {
		query, args, err := db.selectRegistrations().Where(sq.Eq{"r.id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		regs, err := db.queryRegistrations(ctx, query, args...)
		if err != nil {
			return err
		}
		if len(regs) == 0 {
			return fmt.Errorf("registration %d: %w", id, ErrNotFound)
		}
		reg = regs[0]
		return nil
	}, attribute.Int64("registration_id", id))
	return reg, err
}

func (db *DB) queryRegistrations(ctx context.Context, query string, args ...any) ([]domain.Registration, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		var r domain.Registration
		if err := rows.Scan(
			&r.ID, &r.PatronID, &r.PatronRecordNumber, &r.PickupLocation,
			&r.AuthorID, &r.AuthorName, &r.FormatID, &r.FormatCode,
			&r.LanguageID, &r.LanguageCode, &r.PriorityOrder,
		); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return regs, nil
}

// MoveToBack gives the registration a queue order one past the current
// maximum of its group. The group is read and written in one transaction:
// Postgres locks the group's rows first, SQLite holds the write lock from
// BEGIN. The unique (group, order) index rejects any lost update, which is
// reported as domain.ErrPriorityConflict.
func (db *DB) MoveToBack(ctx context.Context, registrationID int64) (int, error) {
	var newOrder int
	err := db.trace(ctx, "move_registration_to_back", func(ctx context.Context) error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			group, err := db.registrationGroup(ctx, tx, registrationID)
			if err != nil {
				return err
			}

			if db.dialect == DialectPostgres {
				query, args, err := db.sb.Select("id").
					From("registrations").
					Where(groupFilter(group, "")).
					Suffix("FOR UPDATE").
					ToSql()
				if err != nil {
					return fmt.Errorf("build lock query: %w", err)
				}
				rows, err := tx.QueryContext(ctx, query, args...)
				if err != nil {
					return fmt.Errorf("lock registration group: %w", err)
				}
				if err := rows.Close(); err != nil {
					return fmt.Errorf("lock registration group: %w", err)
				}
			}

			maxOrder := db.sb.Select("MAX(g.hold_queue_order) + 1").
				From("registrations g").
				Where(groupFilter(group, "g."))
			query, args, err := db.sb.Update("registrations").
				Set("hold_queue_order", sq.Expr("(?)", maxOrder)).
				Where(sq.Eq{"id": registrationID}).
				Suffix("RETURNING hold_queue_order").
				ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&newOrder); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("registration %d: %w", registrationID, domain.ErrPriorityConflict)
				}
				return fmt.Errorf("update queue order: %w", err)
			}
			return nil
		})
	}, attribute.Int64("registration_id", registrationID))
	if err != nil {
		return 0, err
	}
	return newOrder, nil
}

func (db *DB) registrationGroup(ctx context.Context, tx *sql.Tx, registrationID int64) (domain.GroupKey, error) {
	var group domain.GroupKey
	query, args, err := db.sb.Select("author_id", "format_id", "language_id").
		From("registrations").
		Where(sq.Eq{"id": registrationID}).
		ToSql()
	if err != nil {
		return group, fmt.Errorf("build query: %w", err)
	}
	err = tx.QueryRowContext(ctx, query, args...).Scan(&group.AuthorID, &group.FormatID, &group.LanguageID)
	if errors.Is(err, sql.ErrNoRows) {
		return group, fmt.Errorf("registration %d: %w", registrationID, ErrNotFound)
	}
	if err != nil {
		return group, fmt.Errorf("load registration group: %w", err)
	}
	return group, nil
}

func groupFilter(group domain.GroupKey, prefix string) sq.Eq {
	return sq.Eq{
		prefix + "author_id":   group.AuthorID,
		prefix + "format_id":   group.FormatID,
		prefix + "language_id": group.LanguageID,
	}
}
