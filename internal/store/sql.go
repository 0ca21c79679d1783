package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// lock takes the per-key lock inside an open transaction.
	lock func(ctx context.Context, tx *sql.Tx, key string) error
	// isUniqueViolation reports whether err is a unique-constraint violation.
	isUniqueViolation func(err error) bool
}

// sqlStore implements the repositories on top of a queryer. Outside a
// transaction q is the *sql.DB; inside RunInTx it is the *sql.Tx.
type sqlStore struct {
	db *sql.DB
	q  queryer
	d  *dialect
}

func newSQLStore(db *sql.DB, d *dialect) *sqlStore {
	return &sqlStore{db: db, q: db, d: d}
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// RunInTx runs fn inside a transaction that holds the lock for lockKey.
func (s *sqlStore) RunInTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if lockKey != "" && s.d.lock != nil {
		if err := s.d.lock(ctx, tx, lockKey); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("acquire lock %q: %w", lockKey, err)
		}
	}

	if err := fn(&sqlStore{q: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("store.RunInTx: rollback failed", "error", rbErr, "dialect", s.d.name)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *sqlStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	slog.Debug("Closing database connection", "dialect", s.d.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "error", err, "dialect", s.d.name)
	}
	return err
}
