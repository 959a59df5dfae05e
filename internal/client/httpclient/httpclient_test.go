package httpclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmarksync/internal/model"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func TestPushPlaintext_SendsBearerAuthAndDecodesResult(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/sync/plaintext/push", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registrystore.PushResult{Success: true, Synced: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	result, err := c.PushPlaintext(t.Context(), []registrystore.PushOperation{{RecordID: "b1", RecordType: model.RecordTypeBookmark}})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "Bearer secret-token", gotAuth)
}

func TestPush_ConflictResponseIsReturnedNotErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "version conflict",
			"conflicts": []registrystore.Conflict{{RecordID: "b1", Reason: "stale baseVersion"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	result, err := c.PushPlaintext(t.Context(), []registrystore.PushOperation{{RecordID: "b1"}})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "b1", result.Conflicts[0].RecordID)
}

func TestDo_OtherErrorStatusesSurfaceAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.PushPlaintext(t.Context(), nil)
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	require.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	require.Equal(t, "boom", apiErr.Message)
}

func TestPullPlaintext_EncodesCursorAndRecordTypeAndLimit(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registrystore.PullPage{HasMore: false})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	rt := model.RecordTypeSpace
	_, err := c.PullPlaintext(t.Context(), nil, &rt, 25)
	require.NoError(t, err)
	require.Contains(t, gotQuery, "recordType=space")
	require.Contains(t, gotQuery, "limit=25")
}

func TestGetVault_DecodesEnabledAndEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vault", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VaultInfo{Enabled: true, Envelope: &model.VaultEnvelope{WrappedDataKey: []byte("abc")}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	info, err := c.GetVault(t.Context())
	require.NoError(t, err)
	require.True(t, info.Enabled)
	require.Equal(t, []byte("abc"), info.Envelope.WrappedDataKey)
}

func TestDisableAction_PostsActionBody(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vault/disable", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	require.NoError(t, c.DisableAction(t.Context(), "prepare"))
	require.Equal(t, "prepare", gotBody["action"])
}

func TestVerifyPlaintext_ReturnsCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "42", r.URL.Query().Get("expectedCount"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyPlaintextResult{Verified: true, ServerCount: 42, ExpectedCount: 42})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	result, err := c.VerifyPlaintext(t.Context(), 42)
	require.NoError(t, err)
	require.True(t, result.Verified)
}
