package postgres

import registrystore "github.com/chirino/bookmarksync/internal/registry/store"

// Re-export error types from registry/store for callers that only import this package.
type NotFoundError = registrystore.NotFoundError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError
