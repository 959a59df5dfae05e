package config

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvedTempDir_DefaultsToOSTempDir(t *testing.T) {
	var cfg Config
	require.Equal(t, os.TempDir(), cfg.ResolvedTempDir())
	require.Equal(t, os.TempDir(), (*Config)(nil).ResolvedTempDir())
}

func TestDefaultConfig_SyncBatchLimits(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.PushMaxBatchSize, 0)
	assert.Greater(t, cfg.PullPageSize, 0)
	assert.NotZero(t, cfg.SyncDebounce)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, cfg.DatastoreType, got.DatastoreType)
}
