package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("catalog: conflict")
)

// ProjectConflictError reports project ids that are already attached to
// another API key. It unwraps to ErrConflict.
type ProjectConflictError struct {
	ProjectIDs []int64
}

func (e *ProjectConflictError) Error() string {
	return fmt.Sprintf("catalog: projects already keyed: %v", e.ProjectIDs)
}

func (e *ProjectConflictError) Unwrap() error { return ErrConflict }
