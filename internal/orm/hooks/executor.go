// Package hooks runs ordered lifecycle callbacks around repository
// operations and hosts the worker pool for detached side effects.
package hooks

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Executor executes lifecycle hooks for entities
type Executor struct {
	registry   *Registry
	asyncQueue *AsyncQueue
	logger     *zap.Logger
}

// NewExecutor creates a new hook executor. A nil queue disables async hooks.
func NewExecutor(asyncQueue *AsyncQueue, logger *zap.Logger) *Executor {
	return NewExecutorWithRegistry(NewRegistry(), asyncQueue, logger)
}

// NewExecutorWithRegistry creates a new hook executor with an existing registry
func NewExecutorWithRegistry(registry *Registry, asyncQueue *AsyncQueue, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:   registry,
		asyncQueue: asyncQueue,
		logger:     logger,
	}
}

// Registry returns the hook registry
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Queue returns the async queue, which may be nil
func (e *Executor) Queue() *AsyncQueue {
	return e.asyncQueue
}

// On registers a synchronous hook for the type of entity
func (e *Executor) On(entity interface{}, hookType HookType, fn HookFunc) {
	e.registry.Register(reflect.TypeOf(entity), hookType, &Hook{Fn: fn})
}

// OnAsync registers a detached hook for the type of entity
func (e *Executor) OnAsync(entity interface{}, hookType HookType, fn HookFunc) {
	e.registry.Register(reflect.TypeOf(entity), hookType, &Hook{Fn: fn, Async: true})
}

// Has reports whether any hook is registered for t and hookType
func (e *Executor) Has(t reflect.Type, hookType HookType) bool {
	return e.registry.HasHooks(t, hookType)
}

// Fire runs the hooks registered for the event's entity type in order. The
// first synchronous failure stops execution and is returned.
func (e *Executor) Fire(ctx context.Context, ev *Event) error {
	if ev.Schema == nil {
		return fmt.Errorf("hook %s: event has no schema", ev.Type)
	}

	hooks := e.registry.GetHooks(ev.Schema.Type, ev.Type)
	for _, hook := range hooks {
		if hook.Async {
			if err := e.enqueueAsyncHook(hook, ev); err != nil {
				e.logger.Warn("failed to enqueue async hook",
					zap.String("hook", ev.Type.String()),
					zap.String("entity", ev.Schema.Name),
					zap.Error(err))
			}
			continue
		}
		if err := hook.Fn(ctx, ev); err != nil {
			return fmt.Errorf("hook %s failed: %w", ev.Type, err)
		}
	}
	return nil
}

// Detach runs fn on the async queue. Without a queue it runs in a new
// goroutine so callers never wait on side effects.
func (e *Executor) Detach(name string, fn func(ctx context.Context) error) {
	if e.asyncQueue != nil {
		e.asyncQueue.Go(name, fn)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("detached task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		if err := fn(context.Background()); err != nil {
			e.logger.Warn("detached task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// enqueueAsyncHook queues an async hook with an isolated copy of the event
func (e *Executor) enqueueAsyncHook(hook *Hook, ev *Event) error {
	if e.asyncQueue == nil {
		return fmt.Errorf("async queue not configured")
	}

	detached := &Event{
		Type:      ev.Type,
		Operation: ev.Operation,
		Schema:    ev.Schema,
		Data:      deepCopyRecord(ev.Data),
		ActorID:   ev.ActorID,
		Changes:   ev.Changes,
	}

	return e.asyncQueue.TryEnqueue(AsyncTask{
		Name: fmt.Sprintf("%s_%s_hook", ev.Schema.Name, hook.Type),
		Fn: func(ctx context.Context) error {
			return hook.Fn(ctx, detached)
		},
	})
}

// deepCopyRecord creates a deep copy of a record map to ensure
// async hooks have fully isolated data
func deepCopyRecord(record map[string]interface{}) map[string]interface{} {
	if record == nil {
		return nil
	}
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return deepCopyRecord(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []int64:
		return append([]int64(nil), val...)
	default:
		return v
	}
}
