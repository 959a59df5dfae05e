package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/bookmarksync/internal/config"
	"github.com/chirino/bookmarksync/internal/model"
	"github.com/chirino/bookmarksync/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/bookmarksync/internal/registry/migrate"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/testutil/testpg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (registrystore.ServerStore, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure the postgres store plugin's init() ran.
	_ = postgres.ForceImport

	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx
}

func bookmarkOp(recordID string, baseVersion int64, title string) registrystore.PushOperation {
	data, _ := json.Marshal(model.Bookmark{ID: recordID, Title: title, URL: "https://example.com"})
	return registrystore.PushOperation{
		RecordID:    recordID,
		RecordType:  model.RecordTypeBookmark,
		Data:        data,
		BaseVersion: baseVersion,
	}
}

func TestPushPlaintextCreatesNewRecord(t *testing.T) {
	store, ctx := setupTestStore(t)

	result, err := store.PushPlaintext(ctx, "user1", []registrystore.PushOperation{bookmarkOp("b-1", 0, "GitHub")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Synced)
	require.Len(t, result.Results, 1)
	assert.Equal(t, int64(1), result.Results[0].Version)
	assert.NotEmpty(t, result.Checksum)
	require.NotNil(t, result.ChecksumMeta)
	assert.Equal(t, 1, result.ChecksumMeta.PerTypeCounts.Bookmarks)
}

func TestPushPlaintextIsLastWriteWinsRegardlessOfBaseVersion(t *testing.T) {
	store, ctx := setupTestStore(t)

	_, err := store.PushPlaintext(ctx, "user1", []registrystore.PushOperation{bookmarkOp("b-1", 0, "GitHub")})
	require.NoError(t, err)

	// A stale baseVersion still applies: the server never gates on it.
	result, err := store.PushPlaintext(ctx, "user1", []registrystore.PushOperation{bookmarkOp("b-1", 0, "GitLab")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, int64(2), result.Results[0].Version)
}

func TestPushPlaintextIncrementsVersionOnUpdate(t *testing.T) {
	store, ctx := setupTestStore(t)

	first, err := store.PushPlaintext(ctx, "user1", []registrystore.PushOperation{bookmarkOp("b-1", 0, "GitHub")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Results[0].Version)

	second, err := store.PushPlaintext(ctx, "user1", []registrystore.PushOperation{bookmarkOp("b-1", first.Results[0].Version, "GitHub Updated")})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, int64(2), second.Results[0].Version)
}

func TestPullPlaintextPaginates(t *testing.T) {
	store, ctx := setupTestStore(t)

	for i := 0; i < 3; i++ {
		id := "b-" + time.Now().Add(time.Duration(i)*time.Millisecond).Format("150405.000000000")
		_, err := store.PushPlaintext(ctx, "user2", []registrystore.PushOperation{bookmarkOp(id, 0, "Bookmark")})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	page, err := store.PullPlaintext(ctx, "user2", nil, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	rest, err := store.PullPlaintext(ctx, "user2", page.NextCursor, nil, 2)
	require.NoError(t, err)
	assert.Len(t, rest.Records, 1)
	assert.False(t, rest.HasMore)
}

func TestChecksumEmptyDataset(t *testing.T) {
	store, ctx := setupTestStore(t)

	meta, err := store.Checksum(ctx, "user-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Count)
}

func TestGetSettingsCreatesDefault(t *testing.T) {
	store, ctx := setupTestStore(t)

	settings, err := store.GetSettings(ctx, "user3")
	require.NoError(t, err)
	assert.False(t, settings.SyncEnabled)
	assert.Equal(t, model.SyncModeOff, settings.SyncMode)

	updated, err := store.PutSettings(ctx, "user3", true, model.SyncModePlaintext)
	require.NoError(t, err)
	assert.True(t, updated.SyncEnabled)
	assert.Equal(t, model.SyncModePlaintext, updated.SyncMode)
}

func TestVaultEnableGetDisable(t *testing.T) {
	store, ctx := setupTestStore(t)

	none, err := store.GetVault(ctx, "user4")
	require.NoError(t, err)
	assert.Nil(t, none)

	envelope := model.VaultEnvelope{
		WrappedDataKey: []byte("wrapped-key-placeholder-bytes!!"),
		Salt:           []byte("salt-bytes-0123"),
		KDFParams:      model.DefaultKDFParams(),
		Version:        1,
		EnabledAt:      time.Now().UTC(),
	}
	require.NoError(t, store.EnableVault(ctx, "user4", envelope, false))

	got, err := store.GetVault(ctx, "user4")
	require.NoError(t, err)
	require.NotNil(t, got)

	err = store.EnableVault(ctx, "user4", envelope, false)
	assert.Error(t, err)

	require.NoError(t, store.DeleteVault(ctx, "user4"))
	gone, err := store.GetVault(ctx, "user4")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
