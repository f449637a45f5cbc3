package hooks

import (
	"context"
	"reflect"
	"sync"

	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/orm/tracking"
)

// HookType identifies a lifecycle point
type HookType int

const (
	BeforeCreate HookType = iota
	AfterCreate
	BeforeUpdate
	AfterUpdate
	BeforeDelete
	AfterDelete
)

// String returns the string representation of the hook type
func (h HookType) String() string {
	switch h {
	case BeforeCreate:
		return "before_create"
	case AfterCreate:
		return "after_create"
	case BeforeUpdate:
		return "before_update"
	case AfterUpdate:
		return "after_update"
	case BeforeDelete:
		return "before_delete"
	case AfterDelete:
		return "after_delete"
	default:
		return "unknown"
	}
}

// Operation is the repository operation that fired a hook. Restore fires the
// delete hooks, so listeners tell the two apart with it.
type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpForceDelete Operation = "force_delete"
	OpRestore     Operation = "restore"
	OpReorder     Operation = "reorder"
)

// Event is handed to every hook
type Event struct {
	Type      HookType
	Operation Operation
	Schema    *schema.EntitySchema
	// Entity is the live entity. Async hooks receive nil.
	Entity schema.Entity
	// Data is a plain snapshot of the entity, deep copied for async hooks
	Data map[string]interface{}
	// Tx is the open transaction for hooks fired inside one, otherwise nil
	Tx query.Querier
	// ActorID is the acting user, zero when unknown
	ActorID int64
	// Changes holds the fields an update changes, nil for other operations
	Changes *tracking.ChangeSet
}

// HookFunc represents a hook function that can be executed
type HookFunc func(ctx context.Context, ev *Event) error

// Hook represents a registered lifecycle hook
type Hook struct {
	Type HookType
	Fn   HookFunc
	// Async hooks run detached on the queue and cannot abort the operation
	Async bool
}

type registryKey struct {
	entity reflect.Type
	hook   HookType
}

// Registry keeps ordered hook lists per entity type and hook type
type Registry struct {
	mu    sync.RWMutex
	hooks map[registryKey][]*Hook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		hooks: make(map[registryKey][]*Hook),
	}
}

func keyFor(entity reflect.Type, hookType HookType) registryKey {
	for entity != nil && entity.Kind() == reflect.Pointer {
		entity = entity.Elem()
	}
	return registryKey{entity: entity, hook: hookType}
}

// Register appends a hook for entity type t
func (r *Registry) Register(t reflect.Type, hookType HookType, hook *Hook) {
	hook.Type = hookType
	key := keyFor(t, hookType)

	r.mu.Lock()
	r.hooks[key] = append(r.hooks[key], hook)
	r.mu.Unlock()
}

// GetHooks returns the hooks registered for t in registration order
func (r *Registry) GetHooks(t reflect.Type, hookType HookType) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Hook(nil), r.hooks[keyFor(t, hookType)]...)
}

// HasHooks returns true if there are any hooks registered for t and hookType
func (r *Registry) HasHooks(t reflect.Type, hookType HookType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[keyFor(t, hookType)]) > 0
}
