// Package storage persists rules, alert events, users and agent status in a
// SQL database. Dialect subpackages (sqlite, postgres, mysql) open the
// connection and supply schema and driver specifics.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

// Dialect captures the differences between supported databases.
type Dialect interface {
	// Name returns sqlite, postgres or mysql.
	Name() string

	// Rebind converts ? placeholders to the driver's bind style.
	Rebind(query string) string

	// Schema returns DDL statements, executed in order. Each must be idempotent.
	Schema() []string

	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation(err error) bool
}

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ alerts.Store = (*Store)(nil)

// New wraps an open connection and applies the dialect's schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate executes the dialect schema.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s schema statement %d: %w", s.dialect.Name(), i+1, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's dialect name.
func (s *Store) Dialect() string {
	return s.dialect.Name()
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RebindDollar converts ? placeholders to $1, $2, ...
func RebindDollar(query string) string {
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

// unavailable marks connection-level failures so the engine can report
// a skipped tick instead of a generic error.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", alerts.ErrStoreUnavailable, op, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
