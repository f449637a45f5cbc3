package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/orm/relationships"
)

// fail is the single exit of every failing operation. The open
// transaction is rolled back, a diagnostic entry carrying the request is
// emitted asynchronously and err is translated into an *Error.
func (r *Repository[T, PT]) fail(ctx context.Context, c *call, err error) error {
	c.tx.RollbackQuietly()

	opID := uuid.NewString()
	out := r.classify(c, err)
	out.OperationID = opID

	r.logger.Debug("operation failed",
		zap.String("operation", c.name),
		zap.String("operation_id", opID),
		zap.Int("code", out.Code),
		zap.Error(err))

	r.deps.Audit.Log(fmt.Sprintf("%s %s failed [%s]: %v; request %s",
		r.schema.Name, c.name, opID, err, requestSnapshot(c.req)), audit.SeverityError, c.actorID())
	return out
}

func (r *Repository[T, PT]) classify(c *call, err error) *Error {
	var known *Error
	if errors.As(err, &known) {
		cp := *known
		return &cp
	}
	if errors.Is(err, relationships.ErrUnknownRelationship) || errors.Is(err, relationships.ErrMaxDepthExceeded) {
		return StoreFailure(http.StatusBadRequest, "Invalid include path for %s", r.schema.Name)
	}
	return StoreFailure(http.StatusInternalServerError, "Failed to %s %s", c.name, r.schema.Name)
}

// requestSnapshot serializes req for diagnostics. Values reached twice on
// the same path are replaced by a marker.
func requestSnapshot(req *Request) string {
	if req == nil {
		return "null"
	}
	doc := map[string]interface{}{
		"filter":   req.Filter,
		"include":  req.Include,
		"criteria": acyclic(reflect.ValueOf(req.Criteria), map[uintptr]bool{}),
		"settings": req.Settings,
		"page":     req.Page,
		"take":     req.Take,
		"all":      req.All,
		"body":     acyclic(reflect.ValueOf(req.Body), map[uintptr]bool{}),
	}
	if len(req.Ordering) > 0 {
		doc["ordering"] = acyclic(reflect.ValueOf(req.Ordering), map[uintptr]bool{})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(raw)
}

const cycleMarker = "[cycle]"

// acyclic converts v into plain maps, slices and scalars, cutting
// reference cycles
func acyclic(v reflect.Value, visiting map[uintptr]bool) interface{} {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return acyclic(v.Elem(), visiting)
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Kind() != reflect.Slice || v.Len() > 0 {
			ptr := v.Pointer()
			if visiting[ptr] {
				return cycleMarker
			}
			visiting[ptr] = true
			defer delete(visiting, ptr)
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		return acyclic(v.Elem(), visiting)
	case reflect.Map:
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = acyclic(iter.Value(), visiting)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, v.Len())
		for i := range out {
			out[i] = acyclic(v.Index(i), visiting)
		}
		return out
	case reflect.Struct:
		out := make(map[string]interface{}, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			out[t.Field(i).Name] = acyclic(v.Field(i), visiting)
		}
		return out
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return v.Type().String()
	default:
		return v.Interface()
	}
}
