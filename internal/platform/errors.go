// Package platform implements the tenant, project and API key operations on
// top of the catalog, the identity provider and the secret store.
package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden means the caller's role does not allow the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrMissingTenantContext means an organization admin carries no usable
	// organization group in its token.
	ErrMissingTenantContext = errors.New("missing tenant context")
	// ErrValidation means the request payload is malformed or inconsistent.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the operation collides with existing state.
	ErrConflict = errors.New("conflict")
	// ErrUpstream means a dependency failed in a way the caller cannot fix.
	ErrUpstream = errors.New("upstream failure")
)

// ProjectConflictError reports every requested project that is already bound
// to an active API key, so the caller can fix the whole request at once.
type ProjectConflictError struct {
	ProjectIDs []int64
}

func (e *ProjectConflictError) Error() string {
	return fmt.Sprintf("projects already bound to an api key: %v", e.ProjectIDs)
}

func (e *ProjectConflictError) Unwrap() error { return ErrConflict }
