// Package store is the Postgres implementation of crm.Repository.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/config"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

type Store struct {
	DB *sql.DB
}

var _ crm.Repository = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	metricsOnce    sync.Once
	txCounter      otelmetric.Int64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("dealflow/internal/store")
	var err error
	txCounter, err = meter.Int64Counter("dealflow_store_transactions_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("dealflow_llm_tokens_recorded_total")
	if err != nil {
		metricsInitErr = err
	}
}

func countTx(ctx context.Context, outcome string) {
	metricsOnce.Do(initStoreMetrics)
	if txCounter != nil {
		txCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// New opens the database described by cfg.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// WithTx runs fn inside a database transaction. Any error from fn, or a
// panic, rolls the transaction back. AfterCommit hooks run only after a
// successful commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx crm.Tx) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ptx := &pgTx{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			countTx(ctx, "rollback")
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			countTx(ctx, "rollback")
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit tx: %w", err)
			countTx(ctx, "commit_failed")
			return
		}
		countTx(ctx, "commit")
		for _, hook := range ptx.afterCommit {
			hook()
		}
	}()
	err = fn(ptx)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalJSON(v interface{}, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// foreignKeyViolation reports a Postgres 23503 error.
func foreignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func expectRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return crm.NotFound(entity, id)
	}
	return nil
}
