package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/config"
	"github.com/conduit-lang/datalayer/internal/orm/crud"
	"github.com/conduit-lang/datalayer/internal/orm/filter"
	"github.com/conduit-lang/datalayer/internal/orm/hooks"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/relationships"
	"github.com/conduit-lang/datalayer/internal/orm/revision"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/orm/transaction"
	"github.com/conduit-lang/datalayer/internal/orm/transform"
	"github.com/conduit-lang/datalayer/internal/security"
)

// Deps are the collaborators of a repository. Only DB is required; every
// other field falls back to a default built from DB, Registry, Options and
// Logger.
type Deps struct {
	DB           *sql.DB
	Registry     *schema.Registry
	Options      config.Options
	Logger       *zap.Logger
	Transactions *transaction.Manager
	Store        *crud.Store
	Transformer  *transform.Transformer
	Constructor  *transform.Constructor
	Loader       *relationships.Loader
	Hooks        *hooks.Executor
	Audit        *audit.Logger
	Revisions    *revision.Store
	Security     security.Resolver
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Registry == nil {
		d.Registry = schema.Default()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Options.DefaultPageSize <= 0 {
		d.Options = config.DefaultOptions()
	}
	if d.Transactions == nil {
		d.Transactions = transaction.NewManager(d.DB, transaction.WithLogger(d.Logger))
	}
	if d.Store == nil {
		d.Store = crud.NewStore(d.Registry, d.Logger)
	}
	if d.Transformer == nil {
		d.Transformer = transform.NewTransformer(d.Registry, d.Options.Transform(nil, d.Logger))
	}
	if d.Constructor == nil {
		d.Constructor = transform.NewConstructor(d.Registry, d.Options.Transform(nil, d.Logger))
	}
	if d.Loader == nil {
		d.Loader = relationships.NewLoader(d.Registry, d.Logger)
	}
	if d.Hooks == nil {
		d.Hooks = hooks.NewExecutor(nil, d.Logger)
	}
	if d.Audit == nil {
		var dispatcher audit.Dispatcher
		if q := d.Hooks.Queue(); q != nil {
			dispatcher = q
		}
		d.Audit = audit.NewLogger(nil, dispatcher, d.Logger)
	}
	if d.Revisions == nil {
		d.Revisions = revision.NewStore(d.DB, d.Logger)
	}
	if d.Security == nil {
		d.Security = security.ContextResolver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// CustomFilter adds entity-specific predicates to list and single-row queries
type CustomFilter func(ctx context.Context, b *query.Builder, tree filter.Tree)

// BeforeUpdate runs inside the update transaction after the payload was
// copied onto current and before the row is written
type BeforeUpdate func(ctx context.Context, current, incoming schema.Entity, data map[string]interface{}) error

// Option configures a repository
type Option func(*settings)

type settings struct {
	sync         relationships.SyncFunc
	customFilter CustomFilter
	beforeUpdate BeforeUpdate
	retry        transaction.RetryConfig
}

// WithRelationSync replaces the default relation synchronization
func WithRelationSync(fn relationships.SyncFunc) Option {
	return func(s *settings) { s.sync = fn }
}

// WithCustomFilter adds entity-specific predicates
func WithCustomFilter(fn CustomFilter) Option {
	return func(s *settings) { s.customFilter = fn }
}

// WithBeforeUpdate sets the entity-specific pre-update step
func WithBeforeUpdate(fn BeforeUpdate) Option {
	return func(s *settings) { s.beforeUpdate = fn }
}

// WithRetry sets the retry policy of the relation sync and reorder
// transactions
func WithRetry(cfg transaction.RetryConfig) Option {
	return func(s *settings) { s.retry = cfg }
}

// Request carries the inputs of one operation
type Request struct {
	// Filter is the raw filter document
	Filter string
	// Include is the comma-separated include path list
	Include string
	// Criteria is the value compared against the filter's comparison field
	// (default id) by single-row operations
	Criteria interface{}
	// Settings is a JSON document; its "timezone" key is used when the
	// acting user has no timezone
	Settings string
	// Page is 1-based
	Page int
	// Take overrides the configured page size, capped by the maximum
	Take int
	// All disables pagination
	All bool
	// WithoutDefaultIncludes suppresses the entity's default includes
	WithoutDefaultIncludes bool
	// ActionMessage replaces the audit message of the operation
	ActionMessage string
	// Body is the decoded inbound payload of Create and Update
	Body map[string]interface{}
	// Ordering is the ordered entry list of UpdateOrdering
	Ordering []OrderEntry
}

// OrderEntry locates one row of a reorder batch and the values to apply
type OrderEntry struct {
	Field string                 `json:"field"`
	Value interface{}            `json:"value"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Meta describes one page of a list
type Meta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
	Pages    int   `json:"pages"`
}

// Page is the result of List
type Page struct {
	Items []*transform.Map `json:"items"`
	Meta  Meta             `json:"meta"`
}
