// Package store defines the server replica's storage interface: per-user
// record push/pull/checksum, sync settings, and vault envelope management.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/model"
)

// PushOperation is one client-submitted mutation within a push batch.
type PushOperation struct {
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Ciphertext  []byte           `json:"ciphertext,omitempty"`
	BaseVersion int64            `json:"baseVersion"`
	Deleted     bool             `json:"deleted"`
}

// PushResultItem reports the server-assigned state of one accepted operation.
type PushResultItem struct {
	RecordID  string    `json:"recordId"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conflict reports a per-record divergence surfaced alongside a 409 response.
type Conflict struct {
	RecordID string `json:"recordId"`
	Reason   string `json:"reason"`
}

// PushResult is the outcome of a push batch.
type PushResult struct {
	Success      bool              `json:"success"`
	Results      []PushResultItem  `json:"results"`
	Synced       int               `json:"synced"`
	Checksum     string            `json:"checksum,omitempty"`
	ChecksumMeta *checksum.Meta    `json:"checksumMeta,omitempty"`
	Conflicts    []Conflict        `json:"conflicts,omitempty"`
}

// PulledRecord is one record returned by a pull page.
type PulledRecord struct {
	RecordID   string           `json:"recordId"`
	RecordType model.RecordType `json:"recordType"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Ciphertext []byte           `json:"ciphertext,omitempty"`
	Version    int64            `json:"version"`
	Deleted    bool             `json:"deleted"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// PullPage is one page of a cursor-paginated pull.
type PullPage struct {
	Records    []PulledRecord `json:"records"`
	NextCursor *time.Time     `json:"nextCursor"`
	HasMore    bool           `json:"hasMore"`
}

// ServerStore is the per-user persistence surface backing the sync HTTP API.
type ServerStore interface {
	// PushPlaintext upserts a batch of plaintext operations, last-write-wins by
	// server-assigned version, and returns the new authoritative checksum meta
	// alongside the per-operation results.
	PushPlaintext(ctx context.Context, userID string, ops []PushOperation) (*PushResult, error)
	// PushEncrypted upserts a batch of opaque-ciphertext operations. No checksum
	// is computed over ciphertext.
	PushEncrypted(ctx context.Context, userID string, ops []PushOperation) (*PushResult, error)

	// PullPlaintext returns up to limit plaintext records with updated_at > cursor,
	// optionally filtered to one record type, ordered ascending by updated_at.
	PullPlaintext(ctx context.Context, userID string, cursor *time.Time, recordType *model.RecordType, limit int) (*PullPage, error)
	// PullEncrypted is the ciphertext counterpart of PullPlaintext.
	PullEncrypted(ctx context.Context, userID string, cursor *time.Time, limit int) (*PullPage, error)

	// Checksum computes the authoritative checksum meta over the user's
	// non-deleted plaintext record set.
	Checksum(ctx context.Context, userID string) (*checksum.Meta, error)

	// EnsurePersonalSpace creates the user's reserved "personal" space record
	// if it does not already exist. Idempotent; safe to call on every
	// authenticated request.
	EnsurePersonalSpace(ctx context.Context, userID string) error

	// GetSettings returns the user's sync settings, creating defaults if absent.
	GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error)
	// PutSettings upserts the user's sync settings.
	PutSettings(ctx context.Context, userID string, enabled bool, mode model.SyncMode) (*model.SyncSettings, error)

	// GetVault returns the user's vault envelope, or nil if none exists.
	GetVault(ctx context.Context, userID string) (*model.VaultEnvelope, error)
	// EnableVault stores the initial envelope. Fails if one already exists
	// unless overwrite is true (an explicit re-enable after a prior disable).
	EnableVault(ctx context.Context, userID string, envelope model.VaultEnvelope, overwrite bool) error
	// PutVaultEnvelope replaces an existing envelope (used after recovery-code unlock).
	PutVaultEnvelope(ctx context.Context, userID string, envelope model.VaultEnvelope) error
	// DeleteVault removes the user's vault envelope.
	DeleteVault(ctx context.Context, userID string) error

	// DeleteEncryptedRecords removes all encrypted (ciphertext) rows for the user
	// in a single transaction. Used both defensively before re-enabling the vault
	// and as the irreversible step of the disable flow.
	DeleteEncryptedRecords(ctx context.Context, userID string) error
	// DeletePlaintextRecords removes the named plaintext rows; used for disable rollback cleanup.
	DeletePlaintextRecords(ctx context.Context, userID string, recordIDs []string, recordTypes []model.RecordType) error

	// VerifyPlaintextCount reports the current plaintext row count for the user,
	// used as the disable-flow verification gate.
	VerifyPlaintextCount(ctx context.Context, userID string, expectedCount int) (verified bool, serverCount int, err error)
}

// Loader creates a ServerStore from the ambient configuration carried on ctx.
type Loader func(ctx context.Context) (ServerStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
