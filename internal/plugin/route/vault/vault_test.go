package vault_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmarksync/internal/config"
	"github.com/chirino/bookmarksync/internal/plugin/route/vault"
	"github.com/chirino/bookmarksync/internal/plugin/store/postgres"
	registrymigrate "github.com/chirino/bookmarksync/internal/registry/migrate"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/chirino/bookmarksync/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupVaultRouter(t *testing.T) *gin.Engine {
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
	vault.MountRoutes(router, store, auth)
	return router
}

func vaultJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func enableEnvelopeBody() map[string]any {
	return map[string]any{
		"wrappedKey": base64.StdEncoding.EncodeToString([]byte("wrapped-key")),
		"salt":       base64.StdEncoding.EncodeToString([]byte("salt-bytes")),
		"kdfParams": map[string]any{
			"algorithm":  "PBKDF2",
			"iterations": 100000,
			"saltLength": 16,
			"keyLength":  256,
		},
	}
}

func TestGetVault_NotEnabledReturnsFalse(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodGet, "/vault", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["enabled"])
}

func TestEnable_ThenGetVault_ReturnsEnvelope(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodPost, "/vault/enable", enableEnvelopeBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = vaultJSON(t, router, http.MethodGet, "/vault", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["enabled"])
	require.NotNil(t, resp["envelope"])
}

func TestEnable_TwiceWithoutOverwriteConflicts(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodPost, "/vault/enable", enableEnvelopeBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = vaultJSON(t, router, http.MethodPost, "/vault/enable", enableEnvelopeBody())
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestDisable_UnknownActionIsBadRequest(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodPost, "/vault/disable", map[string]any{"action": "not-a-real-action"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisable_DeletePlaintextActionRequiresCleanupEndpoint(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodPost, "/vault/disable", map[string]any{"action": "delete-plaintext"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisable_DeleteEncryptedActionSucceeds(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodPost, "/vault/disable", map[string]any{"action": "delete-encrypted"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestVerifyPlaintext_RequiresExpectedCount(t *testing.T) {
	router := setupVaultRouter(t)

	w := vaultJSON(t, router, http.MethodGet, "/vault/disable/verify-plaintext", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = vaultJSON(t, router, http.MethodGet, "/vault/disable/verify-plaintext?expectedCount=0", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["verified"])
}
