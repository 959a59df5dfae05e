// Package model defines the record kinds, payload validation rules, and
// server-side persisted shapes shared by the sync core.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RecordType discriminates the three synchronized record kinds.
type RecordType string

const (
	RecordTypeBookmark   RecordType = "bookmark"
	RecordTypeSpace      RecordType = "space"
	RecordTypePinnedView RecordType = "pinnedview"
)

// Valid reports whether t is one of the three known record kinds.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeBookmark, RecordTypeSpace, RecordTypePinnedView:
		return true
	default:
		return false
	}
}

// PersonalSpaceID is the distinguished space id that always exists for a user
// and can never be deleted.
const PersonalSpaceID = "personal"

// AllSpacesID is the literal sentinel a PinnedView may reference instead of a real space id.
const AllSpacesID = "all"

// SortKey is the sort order saved on a PinnedView.
type SortKey string

const (
	SortNewest SortKey = "newest"
	SortOldest SortKey = "oldest"
	SortTitle  SortKey = "title"
)

func (k SortKey) Valid() bool {
	switch k {
	case SortNewest, SortOldest, SortTitle:
		return true
	default:
		return false
	}
}

// ValidationError reports a single payload field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Bookmark is the payload carried by a record of type RecordTypeBookmark.
type Bookmark struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Tags        []string `json:"tags"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	SpaceID     string   `json:"spaceId,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

var validBookmarkColors = map[string]bool{
	"": true, "red": true, "orange": true, "yellow": true, "green": true,
	"blue": true, "purple": true, "pink": true, "gray": true,
}

// Validate enforces the payload invariants of §3 for a Bookmark.
func (b *Bookmark) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	titleLen := len(strings.TrimSpace(b.Title))
	if titleLen < 3 || titleLen > 200 {
		return &ValidationError{Field: "title", Message: "must be 3-200 characters"}
	}
	parsed, err := url.Parse(b.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return &ValidationError{Field: "url", Message: "must be a parseable http(s) URL"}
	}
	if len(b.Tags) > 20 {
		return &ValidationError{Field: "tags", Message: "at most 20 tags allowed"}
	}
	for _, tag := range b.Tags {
		if strings.TrimSpace(tag) == "" {
			return &ValidationError{Field: "tags", Message: "tags must be non-empty"}
		}
	}
	if len(b.Description) > 500 {
		return &ValidationError{Field: "description", Message: "must be at most 500 characters"}
	}
	if !validBookmarkColors[b.Color] {
		return &ValidationError{Field: "color", Message: "must be a known color or empty"}
	}
	return nil
}

// Space is the payload carried by a record of type RecordTypeSpace.
type Space struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Validate enforces the payload invariants of §3 for a Space.
func (s *Space) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	nameLen := len(strings.TrimSpace(s.Name))
	if nameLen == 0 {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if nameLen > 100 {
		return &ValidationError{Field: "name", Message: "must be at most 100 characters"}
	}
	return nil
}

// PinnedView is the payload carried by a record of type RecordTypePinnedView.
type PinnedView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	SpaceID   string  `json:"spaceId"`
	Query     string  `json:"query,omitempty"`
	TagFilter string  `json:"tagFilter,omitempty"`
	Sort      SortKey `json:"sort"`
}

// Validate enforces the payload invariants of §3 for a PinnedView.
func (v *PinnedView) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if strings.TrimSpace(v.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.TrimSpace(v.SpaceID) == "" {
		return &ValidationError{Field: "spaceId", Message: "must not be empty"}
	}
	if v.TagFilter == "" {
		v.TagFilter = "all"
	}
	if !v.Sort.Valid() {
		return &ValidationError{Field: "sort", Message: "must be one of newest, oldest, title"}
	}
	return nil
}

// SyncMode is the per-user sync transport mode.
type SyncMode string

const (
	SyncModeOff       SyncMode = "off"
	SyncModePlaintext SyncMode = "plaintext"
	SyncModeE2E       SyncMode = "e2e"
)

func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeOff, SyncModePlaintext, SyncModeE2E:
		return true
	default:
		return false
	}
}

// SyncSettings is the per-user persisted sync configuration.
type SyncSettings struct {
	UserID      string     `json:"-"          gorm:"primaryKey"`
	SyncEnabled bool       `json:"syncEnabled" gorm:"not null;default:false"`
	SyncMode    SyncMode   `json:"syncMode"    gorm:"not null;default:'off'"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
}

func (SyncSettings) TableName() string { return "sync_settings" }

// KDFParams records how the wrapping key was derived from user input.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	SaltLength int    `json:"saltLength"`
	KeyLength  int    `json:"keyLength"`
}

// DefaultKDFParams returns the fixed PBKDF2 parameters mandated by §4.1.
func DefaultKDFParams() KDFParams {
	return KDFParams{Algorithm: "PBKDF2", Iterations: 100_000, SaltLength: 16, KeyLength: 256}
}

// RecoveryWrapper is one recovery-code-derived alternate unwrap path for the data key.
type RecoveryWrapper struct {
	ID            string     `json:"id"`
	WrappedDataKey []byte    `json:"wrappedDataKey"`
	Salt          []byte     `json:"salt"`
	CodeHash      string     `json:"codeHash"`
	UsedAt        *time.Time `json:"usedAt,omitempty"`
}

// VaultEnvelope is the single per-user vault metadata object.
type VaultEnvelope struct {
	UserID           string            `json:"-"              gorm:"primaryKey"`
	WrappedDataKey   []byte            `json:"wrappedKey" gorm:"column:wrapped_key"`
	Salt             []byte            `json:"salt"`
	KDFParams        KDFParams         `json:"kdfParams"      gorm:"type:jsonb;serializer:json;column:kdf_params"`
	Version          int               `json:"version"`
	EnabledAt        time.Time         `json:"enabledAt"      gorm:"column:enabled_at"`
	RecoveryWrappers []RecoveryWrapper `json:"recoveryWrappers,omitempty" gorm:"type:jsonb;serializer:json;column:recovery_wrappers"`
}

func (VaultEnvelope) TableName() string { return "vaults" }

// Record is the server-side persisted row for one synchronized item.
// Exactly one of Data / Ciphertext is non-nil, matching Encrypted.
type Record struct {
	ID         uint64     `json:"-"          gorm:"primaryKey;autoIncrement"`
	UserID     string     `json:"-"          gorm:"not null;index:idx_records_user_updated,priority:1"`
	RecordID   string     `json:"recordId"   gorm:"not null;column:record_id"`
	RecordType RecordType `json:"recordType" gorm:"not null;column:record_type"`
	Data       []byte     `json:"data,omitempty"       gorm:"type:jsonb;column:data"`
	Ciphertext []byte     `json:"ciphertext,omitempty" gorm:"column:ciphertext"`
	Encrypted  bool       `json:"-"          gorm:"not null;default:false"`
	Version    int64      `json:"version"    gorm:"not null;default:0"`
	Deleted    bool       `json:"deleted"    gorm:"not null;default:false"`
	UpdatedAt  time.Time  `json:"updatedAt"  gorm:"not null;default:now();column:updated_at;index:idx_records_user_updated,priority:2"`
}

func (Record) TableName() string { return "records" }
