package relationships

import "errors"

var (
	// ErrMaxDepthExceeded is returned when an include path nests deeper than the loader allows
	ErrMaxDepthExceeded = errors.New("maximum relationship depth exceeded")

	// ErrUnknownRelationship is returned when an include path names a relation the entity does not declare
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrInvalidRelationType is returned when a relation kind cannot be loaded or synchronized
	ErrInvalidRelationType = errors.New("invalid relationship type")
)
