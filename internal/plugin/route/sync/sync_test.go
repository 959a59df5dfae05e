package sync_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmarksync/internal/config"
	"github.com/chirino/bookmarksync/internal/model"
	syncroute "github.com/chirino/bookmarksync/internal/plugin/route/sync"
	"github.com/chirino/bookmarksync/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/bookmarksync/internal/registry/migrate"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupSyncRouter(t *testing.T) *gin.Engine {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) { c.Set("userID", "alice"); c.Next() }
	syncroute.MountRoutes(router, store, auth)
	return router
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPullPlaintext_DefaultsLimitTo100(t *testing.T) {
	router := setupSyncRouter(t)

	w := doRequest(router, http.MethodGet, "/sync/plaintext/pull")
	require.Equal(t, http.StatusOK, w.Code)

	// Seed 150 bookmarks and confirm the default page stops at 100.
	ops := make([]map[string]any, 0, 150)
	for i := 0; i < 150; i++ {
		ops = append(ops, map[string]any{
			"recordId":   idFor(i),
			"recordType": "bookmark",
			"data": map[string]any{
				"id":    idFor(i),
				"title": "Example Bookmark",
				"url":   "https://example.com",
			},
		})
	}
	// Push in batches since a single push is capped at 100 operations.
	for start := 0; start < len(ops); start += 100 {
		end := start + 100
		if end > len(ops) {
			end = len(ops)
		}
		pushBody, err := json.Marshal(map[string]any{"operations": ops[start:end]})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/sync/plaintext/push", bytes.NewReader(pushBody))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/sync/plaintext/pull")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Records []json.RawMessage `json:"records"`
		HasMore bool              `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Records, 100)
	require.True(t, page.HasMore)
}

func TestPullPlaintext_LimitIsClampedTo1000(t *testing.T) {
	router := setupSyncRouter(t)

	w := doRequest(router, http.MethodGet, "/sync/plaintext/pull?limit=999999")
	require.Equal(t, http.StatusOK, w.Code)

	// Seed just over 1000 records; a clamp bug (honoring the raw query value)
	// would return all of them in one page instead of stopping at 1000.
	for start := 0; start < 1010; start += 100 {
		end := start + 100
		if end > 1010 {
			end = 1010
		}
		ops := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			ops = append(ops, map[string]any{
				"recordId":   idFor(i),
				"recordType": "bookmark",
				"data": map[string]any{
					"id":    idFor(i),
					"title": "Example Bookmark",
					"url":   "https://example.com",
				},
			})
		}
		pushBody, err := json.Marshal(map[string]any{"operations": ops})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/sync/plaintext/push", bytes.NewReader(pushBody))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/sync/plaintext/pull?limit=999999")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Records []json.RawMessage `json:"records"`
		HasMore bool              `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Records, 1000)
	require.True(t, page.HasMore)
}

func idFor(i int) string {
	return fmt.Sprintf("bm-%04d", i)
}

func TestDoPush_RejectsDeletionOfPersonalSpace(t *testing.T) {
	router := setupSyncRouter(t)

	body, err := json.Marshal(map[string]any{
		"operations": []map[string]any{
			{
				"recordId":   model.PersonalSpaceID,
				"recordType": "space",
				"deleted":    true,
			},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/plaintext/push", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestDoPush_AllowsUpdatingPersonalSpaceName(t *testing.T) {
	router := setupSyncRouter(t)

	body, err := json.Marshal(map[string]any{
		"operations": []map[string]any{
			{
				"recordId":   model.PersonalSpaceID,
				"recordType": "space",
				"data":       map[string]any{"id": model.PersonalSpaceID, "name": "My Stuff"},
			},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/plaintext/push", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPutSettings_RejectsInvalidSyncMode(t *testing.T) {
	router := setupSyncRouter(t)

	body, err := json.Marshal(map[string]any{"syncEnabled": true, "syncMode": "bogus"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/sync/settings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSettings_CreatesDefaultOnFirstCall(t *testing.T) {
	router := setupSyncRouter(t)

	w := doRequest(router, http.MethodGet, "/sync/settings")
	require.Equal(t, http.StatusOK, w.Code)

	var settings model.SyncSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	require.False(t, settings.SyncEnabled)
	require.Equal(t, model.SyncModeOff, settings.SyncMode)
}
