package transaction

import (
	"context"

	"github.com/conduit-lang/datalayer/internal/orm/query"
)

type txKey struct{}

// FromContext returns the transaction carried by ctx
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return tx, ok
}

// WithContext attaches tx to ctx. Hooks fired inside a repository
// transaction receive such a context.
func WithContext(ctx context.Context, tx *Transaction) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// QuerierFrom returns the open transaction carried by ctx, or fallback when
// there is none or it has already finished.
func QuerierFrom(ctx context.Context, fallback query.Querier) query.Querier {
	tx, ok := FromContext(ctx)
	if !ok || tx.IsCommitted() || tx.IsRolledBack() {
		return fallback
	}
	return tx
}
