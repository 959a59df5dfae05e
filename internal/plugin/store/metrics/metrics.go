// Package metrics wraps a store.ServerStore to record per-operation latency.
package metrics

import (
	"context"
	"time"

	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/model"
	"github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/security"
)

// Wrap returns a ServerStore that records StoreLatency for every operation.
func Wrap(inner store.ServerStore) store.ServerStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ServerStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) PushPlaintext(ctx context.Context, userID string, ops []store.PushOperation) (*store.PushResult, error) {
	defer observe("push_plaintext", time.Now())
	return m.inner.PushPlaintext(ctx, userID, ops)
}

func (m *metricsStore) PushEncrypted(ctx context.Context, userID string, ops []store.PushOperation) (*store.PushResult, error) {
	defer observe("push_encrypted", time.Now())
	return m.inner.PushEncrypted(ctx, userID, ops)
}

func (m *metricsStore) PullPlaintext(ctx context.Context, userID string, cursor *time.Time, recordType *model.RecordType, limit int) (*store.PullPage, error) {
	defer observe("pull_plaintext", time.Now())
	return m.inner.PullPlaintext(ctx, userID, cursor, recordType, limit)
}

func (m *metricsStore) PullEncrypted(ctx context.Context, userID string, cursor *time.Time, limit int) (*store.PullPage, error) {
	defer observe("pull_encrypted", time.Now())
	return m.inner.PullEncrypted(ctx, userID, cursor, limit)
}

func (m *metricsStore) Checksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	defer observe("checksum", time.Now())
	return m.inner.Checksum(ctx, userID)
}

func (m *metricsStore) EnsurePersonalSpace(ctx context.Context, userID string) error {
	defer observe("ensure_personal_space", time.Now())
	return m.inner.EnsurePersonalSpace(ctx, userID)
}

func (m *metricsStore) GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error) {
	defer observe("get_settings", time.Now())
	return m.inner.GetSettings(ctx, userID)
}

func (m *metricsStore) PutSettings(ctx context.Context, userID string, enabled bool, mode model.SyncMode) (*model.SyncSettings, error) {
	defer observe("put_settings", time.Now())
	return m.inner.PutSettings(ctx, userID, enabled, mode)
}

func (m *metricsStore) GetVault(ctx context.Context, userID string) (*model.VaultEnvelope, error) {
	defer observe("get_vault", time.Now())
	return m.inner.GetVault(ctx, userID)
}

func (m *metricsStore) EnableVault(ctx context.Context, userID string, envelope model.VaultEnvelope, overwrite bool) error {
	defer observe("enable_vault", time.Now())
	return m.inner.EnableVault(ctx, userID, envelope, overwrite)
}

func (m *metricsStore) PutVaultEnvelope(ctx context.Context, userID string, envelope model.VaultEnvelope) error {
	defer observe("put_vault_envelope", time.Now())
	return m.inner.PutVaultEnvelope(ctx, userID, envelope)
}

func (m *metricsStore) DeleteVault(ctx context.Context, userID string) error {
	defer observe("delete_vault", time.Now())
	return m.inner.DeleteVault(ctx, userID)
}

func (m *metricsStore) DeleteEncryptedRecords(ctx context.Context, userID string) error {
	defer observe("delete_encrypted_records", time.Now())
	return m.inner.DeleteEncryptedRecords(ctx, userID)
}

func (m *metricsStore) DeletePlaintextRecords(ctx context.Context, userID string, recordIDs []string, recordTypes []model.RecordType) error {
	defer observe("delete_plaintext_records", time.Now())
	return m.inner.DeletePlaintextRecords(ctx, userID, recordIDs, recordTypes)
}

func (m *metricsStore) VerifyPlaintextCount(ctx context.Context, userID string, expectedCount int) (bool, int, error) {
	defer observe("verify_plaintext_count", time.Now())
	return m.inner.VerifyPlaintextCount(ctx, userID, expectedCount)
}
