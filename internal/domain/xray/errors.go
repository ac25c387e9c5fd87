package xray

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the referenced record or category does not exist.
var ErrNotFound = errors.New("not found")

// ErrCategoryInUse indicates a category cannot be deleted because at least
// one record still uses its name. Deactivation is the safe alternative.
var ErrCategoryInUse = errors.New("category is in use by existing records")

// ValidationError reports malformed input with field-level detail. It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}
