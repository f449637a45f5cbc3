package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the default number of attempts on lock conflicts
	DefaultMaxRetries = 3
	// DefaultBaseBackoff is the default base backoff duration
	DefaultBaseBackoff = 50 * time.Millisecond
)

// RetryConfig configures retry behavior for transactions
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
	}
}

// RunWithRetry is Run with automatic retry when the store reports a deadlock,
// a serialization failure or a busy database
func (m *Manager) RunWithRetry(ctx context.Context, config RetryConfig, fn func(tx *Transaction) error) error {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("transaction cancelled before retry %d: %w", attempt, ctx.Err())
		}

		err := m.Run(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}

		lastErr = err
		backoff := config.BaseBackoff * time.Duration(1<<uint(attempt))
		m.logger.Debug("retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w: transaction failed after %d attempts: %v", ErrDeadlock, config.MaxRetries, lastErr)
}

// IsRetryableError reports whether err is a transient lock conflict
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"deadlock detected", "could not serialize access", "database is locked"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
