// Package transaction wraps database/sql transactions for repository operations.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTransactionDone is returned when a finished transaction is used again
	ErrTransactionDone = errors.New("transaction already finished")
	// ErrDeadlock is returned when retries are exhausted on lock conflicts
	ErrDeadlock = errors.New("deadlock detected")
	// ErrTransactionTimeout is returned when a transaction exceeds its deadline
	ErrTransactionTimeout = errors.New("transaction timeout")
)

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// Default leaves the driver's default in place
	Default IsolationLevel = iota
	// ReadCommitted prevents dirty reads
	ReadCommitted
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

// String returns the string representation of the isolation level
func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "DEFAULT"
	}
}

// ToSQLOptions converts IsolationLevel to sql.TxOptions
func (l IsolationLevel) ToSQLOptions() *sql.TxOptions {
	switch l {
	case ReadCommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	case RepeatableRead:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	case Serializable:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		return nil
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used for swallowed rollback failures
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIsolation sets the isolation level of every transaction the manager begins
func WithIsolation(level IsolationLevel) Option {
	return func(m *Manager) { m.level = level }
}

// WithTimeout bounds every transaction the manager begins. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// Manager begins transactions against one database handle
type Manager struct {
	db      *sql.DB
	logger  *zap.Logger
	level   IsolationLevel
	timeout time.Duration
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying database handle
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Begin starts a transaction using the manager's isolation level and timeout
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	var cancel context.CancelFunc
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
	}

	tx, err := m.db.BeginTx(ctx, m.level.ToSQLOptions())
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Transaction{
		tx:         tx,
		ctx:        ctx,
		logger:     m.logger,
		cancelFunc: cancel,
	}, nil
}

// Run executes fn within a transaction, committing on success and rolling
// back on error or panic
func (m *Manager) Run(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.RollbackQuietly()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.RollbackQuietly()
		if errors.Is(tx.ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTransactionTimeout, err)
		}
		return err
	}

	return tx.Commit()
}

// Transaction is a single database transaction. It satisfies the querier
// interface used by the query builder.
type Transaction struct {
	tx         *sql.Tx
	ctx        context.Context
	logger     *zap.Logger
	committed  atomic.Bool
	rolledBack atomic.Bool
	cancelFunc context.CancelFunc

	mu       sync.Mutex
	onCommit []func()
}

// Context returns a context with the transaction embedded
func (t *Transaction) Context() context.Context {
	return WithContext(t.ctx, t)
}

// Tx returns the underlying sql.Tx
func (t *Transaction) Tx() *sql.Tx {
	return t.tx
}

// ExecContext executes a statement that doesn't return rows
func (t *Transaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows
func (t *Transaction) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row
func (t *Transaction) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// OnCommit registers fn to run after a successful commit. Callbacks run in
// registration order and never run when the transaction rolls back.
func (t *Transaction) OnCommit(fn func()) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if t.cancelFunc != nil {
		defer t.cancelFunc()
	}

	if t.committed.Load() || t.rolledBack.Load() {
		return ErrTransactionDone
	}

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.committed.Store(true)

	t.mu.Lock()
	callbacks := t.onCommit
	t.onCommit = nil
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Rollback rolls back the transaction. Rolling back twice is a no-op.
func (t *Transaction) Rollback() error {
	if t.cancelFunc != nil {
		defer t.cancelFunc()
	}

	if t.committed.Load() {
		return ErrTransactionDone
	}
	if t.rolledBack.Load() {
		return nil
	}

	t.rolledBack.Store(true)
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// RollbackQuietly rolls back and logs, rather than returns, any failure.
// Safe to call on a nil or already finished transaction.
func (t *Transaction) RollbackQuietly() {
	if t == nil || t.committed.Load() {
		return
	}
	if err := t.Rollback(); err != nil {
		t.logger.Debug("rollback failed", zap.Error(err))
	}
}

// IsCommitted returns true if the transaction has been committed
func (t *Transaction) IsCommitted() bool {
	return t.committed.Load()
}

// IsRolledBack returns true if the transaction has been rolled back
func (t *Transaction) IsRolledBack() bool {
	return t.rolledBack.Load()
}
