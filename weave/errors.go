package weave

import (
	"errors"
	"fmt"
)

var (
	// ErrDeferredReturn is returned when synchronous return instrumentation reaches a method returning a future.
	ErrDeferredReturn = errors.New("return instrumentation on a deferred-returning method")
	// ErrUnresolvedType is returned when a type reference cannot be resolved.
	ErrUnresolvedType = errors.New("unresolved type")
	// ErrAlreadyWoven is returned when an assembly already carries the weaver identity.
	ErrAlreadyWoven = errors.New("assembly already woven")
	// ErrUnsupportedFormat is returned for images or symbol files this version cannot read.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrLocked is returned when another process holds the assembly lock.
	ErrLocked = errors.New("assembly is locked")
	// ErrInvalidState is returned when the method pass transitions out of order.
	ErrInvalidState = errors.New("invalid weaving state")
)

// WeaveError identifies the assembly, and the method when known, that failed to weave.
type WeaveError struct {
	Assembly string
	Method   string
	Err      error
}

func (e *WeaveError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("weave %s: %v", e.Assembly, e.Err)
	}
	return fmt.Sprintf("weave %s: method %s: %v", e.Assembly, e.Method, e.Err)
}

func (e *WeaveError) Unwrap() error {
	return e.Err
}
