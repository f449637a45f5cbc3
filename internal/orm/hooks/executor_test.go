package hooks

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

type invoice struct {
	schema.Base
	Number string `db:"number"`
}

type receipt struct {
	schema.Base
}

func invoiceEvent(t *testing.T, hookType HookType, data map[string]interface{}) *Event {
	t.Helper()
	sch, err := schema.NewRegistry().Of(&invoice{})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return &Event{
		Type:      hookType,
		Operation: OpCreate,
		Schema:    sch,
		Entity:    &invoice{Number: "A-1"},
		Data:      data,
	}
}

func TestExecutor_FireRunsInOrder(t *testing.T) {
	exec := NewExecutor(nil, nil)

	var calls []string
	exec.On(&invoice{}, BeforeCreate, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "first")
		return nil
	})
	exec.On(invoice{}, BeforeCreate, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "second:"+ev.Entity.(*invoice).Number)
		return nil
	})
	exec.On(&receipt{}, BeforeCreate, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "other entity")
		return nil
	})
	exec.On(&invoice{}, AfterCreate, func(ctx context.Context, ev *Event) error {
		calls = append(calls, "other hook type")
		return nil
	})

	if err := exec.Fire(context.Background(), invoiceEvent(t, BeforeCreate, nil)); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	want := []string{"first", "second:A-1"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestExecutor_ErrorStopsExecution(t *testing.T) {
	exec := NewExecutor(nil, nil)
	boom := errors.New("boom")

	ran := false
	exec.On(&invoice{}, BeforeDelete, func(ctx context.Context, ev *Event) error { return boom })
	exec.On(&invoice{}, BeforeDelete, func(ctx context.Context, ev *Event) error {
		ran = true
		return nil
	})

	err := exec.Fire(context.Background(), invoiceEvent(t, BeforeDelete, nil))
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ran {
		t.Error("hook after a failing hook must not run")
	}
}

func TestExecutor_AsyncHookGetsIsolatedCopy(t *testing.T) {
	queue := NewAsyncQueue(1)
	queue.Start()
	defer queue.Shutdown()

	exec := NewExecutor(queue, nil)
	release := make(chan struct{})
	received := make(chan *Event, 1)
	exec.OnAsync(&invoice{}, AfterCreate, func(ctx context.Context, ev *Event) error {
		<-release
		received <- ev
		return errors.New("ignored")
	})

	data := map[string]interface{}{
		"number": "A-1",
		"lines":  []interface{}{map[string]interface{}{"qty": 1}},
	}
	if err := exec.Fire(context.Background(), invoiceEvent(t, AfterCreate, data)); err != nil {
		t.Fatalf("async hook errors must not surface: %v", err)
	}

	data["number"] = "mutated"
	data["lines"].([]interface{})[0].(map[string]interface{})["qty"] = 99
	close(release)

	select {
	case ev := <-received:
		if ev.Entity != nil {
			t.Error("async hooks must not receive the live entity")
		}
		if ev.Data["number"] != "A-1" {
			t.Errorf("number = %v, want A-1", ev.Data["number"])
		}
		qty := ev.Data["lines"].([]interface{})[0].(map[string]interface{})["qty"]
		if qty != 1 {
			t.Errorf("qty = %v, want 1", qty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async hook did not run")
	}
}

func TestExecutor_HasAndDetach(t *testing.T) {
	exec := NewExecutor(nil, nil)
	typ := reflect.TypeOf(invoice{})
	if exec.Has(typ, AfterUpdate) {
		t.Error("expected no hooks")
	}
	exec.On(&invoice{}, AfterUpdate, func(ctx context.Context, ev *Event) error { return nil })
	if !exec.Has(reflect.TypeOf(&invoice{}), AfterUpdate) {
		t.Error("expected hook for pointer type")
	}

	done := make(chan bool, 1)
	exec.Detach("side-effect", func(ctx context.Context) error {
		done <- true
		return nil
	})
	waitFor(t, done, "detached task")
}

func TestExecutor_FireWithoutSchema(t *testing.T) {
	exec := NewExecutor(nil, nil)
	if err := exec.Fire(context.Background(), &Event{Type: AfterDelete}); err == nil {
		t.Error("expected error for event without schema")
	}
}

func TestHookTypeString(t *testing.T) {
	tests := map[HookType]string{
		BeforeCreate: "before_create",
		AfterCreate:  "after_create",
		BeforeUpdate: "before_update",
		AfterUpdate:  "after_update",
		BeforeDelete: "before_delete",
		AfterDelete:  "after_delete",
		HookType(99): "unknown",
	}
	for hookType, want := range tests {
		if got := hookType.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", hookType, got, want)
		}
	}
}
