package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmarksync/internal/client/httpclient"
	"github.com/chirino/bookmarksync/internal/cryptoutil"
	"github.com/chirino/bookmarksync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestBusPartitionKey_IsStableAndNeverTheRawToken(t *testing.T) {
	key := busPartitionKey("super-secret-token")
	require.NotEqual(t, "super-secret-token", key)
	require.Equal(t, key, busPartitionKey("super-secret-token"))
	require.NotEqual(t, key, busPartitionKey("different-token"))
}

func TestUnlockVault_NotEnabledReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpclient.VaultInfo{Enabled: false})
	}))
	defer srv.Close()

	_, err := unlockVault(t.Context(), httpclient.New(srv.URL, ""), "whatever")
	require.Error(t, err)
}

func TestUnlockVault_CorrectPassphraseSucceeds(t *testing.T) {
	dataKey, err := cryptoutil.GenerateDataKey()
	require.NoError(t, err)
	salt, err := cryptoutil.GenerateSalt()
	require.NoError(t, err)
	wrapped, err := cryptoutil.WrapKey(dataKey, cryptoutil.DeriveWrappingKey("hunter2", salt))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(httpclient.VaultInfo{
			Enabled:  true,
			Envelope: &model.VaultEnvelope{WrappedDataKey: wrapped, Salt: salt},
		})
	}))
	defer srv.Close()

	session, err := unlockVault(t.Context(), httpclient.New(srv.URL, ""), "hunter2")
	require.NoError(t, err)
	require.Equal(t, dataKey, session.DataKey)
}
