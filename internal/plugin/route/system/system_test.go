package system_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmarksync/internal/plugin/route/system"
	registryroute "github.com/chirino/bookmarksync/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupSystemRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	for _, loader := range registryroute.ManagementRouteLoaders() {
		require.NoError(t, loader(router))
	}
	return router
}

func TestHealth_AlwaysReturnsOK(t *testing.T) {
	router := setupSystemRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

// TestReady_TransitionsFromStartingToReady exercises both states of the
// process-global readiness flag in a single test: MarkReady has no reverse,
// so the unready state can only be observed before any other test calls it.
func TestReady_TransitionsFromStartingToReady(t *testing.T) {
	router := setupSystemRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"status":"starting"}`, w.Body.String())

	system.MarkReady()

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ready"}`, w.Body.String())
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	router := setupSystemRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "# HELP")
}
