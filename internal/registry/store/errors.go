package store

import "fmt"

// NotFoundError indicates the resource was not found (or the caller lacks access).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError indicates the request conflicts with existing state, such as
// enabling a vault that already exists.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller lacks access to the requested resource,
// or attempted an operation the server refuses regardless of access
// (e.g. deleting the reserved personal space).
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "forbidden"
}
