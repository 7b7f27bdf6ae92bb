package filter

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateFilter        = errors.New("filter already registered")
	ErrAsyncFilterOnSyncChain = errors.New("async filter cannot be added to a sync chain")
	ErrEmptyFilterName        = errors.New("filter name cannot be empty")
	ErrNilFilter              = errors.New("filter cannot be nil")
	ErrFilterPanic            = errors.New("filter panicked")
	ErrNilFuture              = errors.New("async filter returned a nil future")
)

// FilterError wraps a failure raised by a named filter.
type FilterError struct {
	Name string
	Err  error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %s: %v", e.Name, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}
