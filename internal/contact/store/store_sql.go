package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"linkage/internal/contact/models"
	"linkage/pkg/platform/sentinel"
	"linkage/pkg/platform/tx"
	"linkage/pkg/requestcontext"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) String() string {
	if d == dialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

const contactColumns = `id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at`

var tracer = otel.Tracer("linkage/contact/store")

// SQLStore persists contacts in PostgreSQL or SQLite. Calls join the
// transaction carried by ctx (pkg/platform/tx) when one is open.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewPostgres constructs a PostgreSQL-backed contact store.
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: dialectPostgres}
}

// NewSQLite constructs a SQLite-backed contact store.
func NewSQLite(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: dialectSQLite}
}

func (s *SQLStore) Query(ctx context.Context, filter models.Filter) ([]*models.Contact, error) {
	if filter.IsEmpty() {
		return []*models.Contact{}, nil
	}
	ctx, span := tracer.Start(ctx, "contacts.query")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", s.dialect.String()))

	b := &queryBuilder{dialect: s.dialect}
	preds := make([]string, 0, 4)
	if len(filter.IDs) > 0 {
		preds = append(preds, anyOf(b, "id", filter.IDs))
	}
	if len(filter.LinkedIDs) > 0 {
		preds = append(preds, anyOf(b, "linked_id", filter.LinkedIDs))
	}
	if len(filter.Emails) > 0 {
		preds = append(preds, anyOf(b, "email", filter.Emails))
	}
	if len(filter.PhoneNumbers) > 0 {
		preds = append(preds, anyOf(b, "phone_number", filter.PhoneNumbers))
	}
	where := "(" + strings.Join(preds, " OR ") + ")"
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := tx.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, b.args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if contact == nil {
		return nil, fmt.Errorf("contact is required: %w", sentinel.ErrInvalidState)
	}
	ctx, span := tracer.Start(ctx, "contacts.create")
	defer span.End()

	stored := contact.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = requestcontext.Now(ctx)
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	stored.CreatedAt = dbTime(stored.CreatedAt)
	stored.UpdatedAt = dbTime(stored.UpdatedAt)

	b := &queryBuilder{dialect: s.dialect}
	query := `INSERT INTO contacts (email, phone_number, linked_id, link_precedence, created_at, updated_at)
		VALUES (` + strings.Join([]string{
		b.arg(nullString(stored.Email)),
		b.arg(nullString(stored.PhoneNumber)),
		b.arg(nullInt64(stored.LinkedID)),
		b.arg(string(stored.LinkPrecedence)),
		b.arg(stored.CreatedAt),
		b.arg(stored.UpdatedAt),
	}, ", ") + `)
		RETURNING id`

	if err := tx.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, b.args...).Scan(&stored.ID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return stored, nil
}

func (s *SQLStore) Update(ctx context.Context, id int64, update models.ContactUpdate) (*models.Contact, error) {
	ctx, span := tracer.Start(ctx, "contacts.update")
	defer span.End()

	b := &queryBuilder{dialect: s.dialect}
	sets := make([]string, 0, 3)
	if update.LinkPrecedence != nil {
		sets = append(sets, "link_precedence = "+b.arg(string(*update.LinkPrecedence)))
	}
	if update.LinkedID != nil {
		sets = append(sets, "linked_id = "+b.arg(*update.LinkedID))
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = requestcontext.Now(ctx)
	}
	sets = append(sets, "updated_at = "+b.arg(dbTime(updatedAt)))
	query := `UPDATE contacts SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + b.arg(id)

	exec := tx.ExecutorFrom(ctx, s.db)
	result, err := exec.ExecContext(ctx, query, b.args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update contact %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update contact %d rows affected: %w", id, err)
	}
	if rows == 0 {
		return nil, sentinel.ErrNotFound
	}

	updated, err := s.Query(ctx, models.Filter{IDs: []int64{id}, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return updated[0], nil
}

// SoftDelete marks a contact deleted so matching ignores it.
func (s *SQLStore) SoftDelete(ctx context.Context, id int64) error {
	b := &queryBuilder{dialect: s.dialect}
	query := `UPDATE contacts SET deleted_at = ` + b.arg(dbTime(requestcontext.Now(ctx))) + ` WHERE id = ` + b.arg(id) + ` AND deleted_at IS NULL`
	result, err := tx.ExecutorFrom(ctx, s.db).ExecContext(ctx, query, b.args...)
	if err != nil {
		return fmt.Errorf("soft delete contact %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete contact %d rows affected: %w", id, err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Count returns the number of stored contacts, deleted included.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := tx.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return count, nil
}

// queryBuilder numbers placeholders for the dialect.
type queryBuilder struct {
	dialect dialect
	args    []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	if b.dialect == dialectSQLite {
		return "?"
	}
	return "$" + strconv.Itoa(len(b.args))
}

// anyOf renders "column matches one of values": a single array parameter on
// PostgreSQL, an expanded IN list on SQLite.
func anyOf[T int64 | string](b *queryBuilder, column string, values []T) string {
	if b.dialect == dialectPostgres {
		return column + " = ANY(" + b.arg(pq.Array(values)) + ")"
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = b.arg(v)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var (
		c          models.Contact
		email      sql.NullString
		phone      sql.NullString
		linkedID   sql.NullInt64
		precedence string
		deletedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	c.LinkPrecedence = models.LinkPrecedence(precedence)
	if !c.LinkPrecedence.IsValid() {
		return nil, errors.Join(fmt.Errorf("contact %d has link_precedence %q", c.ID, precedence), sentinel.ErrInvalidState)
	}
	if email.Valid {
		c.Email = &email.String
	}
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return &c, nil
}

// dbTime normalizes timestamps to what both databases store: UTC, microseconds.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
