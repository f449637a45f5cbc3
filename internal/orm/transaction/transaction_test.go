package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a test database with a test table
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE test_records (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_records").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestManager_RunCommits(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	committed := false
	err := mgr.Run(ctx, func(tx *Transaction) error {
		tx.OnCommit(func() { committed = true })
		_, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES ($1)", "a")
		return err
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !committed {
		t.Error("expected OnCommit callback to run")
	}
	if n := countRecords(t, db); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
}

func TestManager_RunRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	boom := errors.New("boom")
	committed := false
	err := mgr.Run(ctx, func(tx *Transaction) error {
		tx.OnCommit(func() { committed = true })
		if _, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES ($1)", "a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if committed {
		t.Error("OnCommit callback ran after rollback")
	}
	if n := countRecords(t, db); n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
}

func TestManager_RunRollsBackOnPanic(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = mgr.Run(ctx, func(tx *Transaction) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES ($1)", "a"); err != nil {
				return err
			}
			panic("kaboom")
		})
	}()

	if n := countRecords(t, db); n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
}

func TestTransaction_FinishedStates(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, WithIsolation(Default), WithTimeout(time.Minute))

	tx, err := mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !tx.IsCommitted() {
		t.Error("expected committed state")
	}
	if err := tx.Commit(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("expected ErrTransactionDone, got %v", err)
	}
	tx.RollbackQuietly()
	if tx.IsRolledBack() {
		t.Error("rollback after commit must not change state")
	}

	tx, err = mgr.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Errorf("second rollback should be a no-op, got %v", err)
	}

	var nilTx *Transaction
	nilTx.RollbackQuietly()
}

func TestContextRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	tx, err := NewManager(db).Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.RollbackQuietly()

	got, ok := FromContext(tx.Context())
	if !ok || got != tx {
		t.Error("expected transaction from context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no transaction in empty context")
	}

	if q := QuerierFrom(tx.Context(), db); q != tx {
		t.Error("expected open transaction as querier")
	}
	if q := QuerierFrom(context.Background(), db); q != db {
		t.Error("expected fallback without transaction")
	}
	tx.RollbackQuietly()
	if q := QuerierFrom(tx.Context(), db); q != db {
		t.Error("expected fallback after rollback")
	}
}

func TestRunWithRetry(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)
	ctx := context.Background()

	attempts := 0
	err := mgr.RunWithRetry(ctx, RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond}, func(tx *Transaction) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithRetry failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	attempts = 0
	err = mgr.RunWithRetry(ctx, RetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond}, func(tx *Transaction) error {
		attempts++
		return &pq.Error{Code: "40001"}
	})
	if !errors.Is(err, ErrDeadlock) {
		t.Errorf("expected ErrDeadlock, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}

	attempts = 0
	err = mgr.RunWithRetry(ctx, DefaultRetryConfig(), func(tx *Transaction) error {
		attempts++
		return fmt.Errorf("constraint failed")
	})
	if err == nil || attempts != 1 {
		t.Errorf("non-retryable errors must fail immediately, attempts=%d err=%v", attempts, err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, false},
		{"pq serialization", &pq.Error{Code: "40001"}, true},
		{"message", errors.New("database is locked"), true},
		{"plain", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}
