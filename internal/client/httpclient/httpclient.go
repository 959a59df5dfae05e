// Package httpclient implements the wire calls a sync engine makes against
// the server replica's HTTP API (spec §6): push, pull, checksum, settings,
// and the vault lifecycle endpoints.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/model"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
)

// Client talks to one bookmark-sync server on behalf of one signed-in user.
type Client struct {
	BaseURL    string
	BearerAuth string
	HTTP       *http.Client
}

// New returns a Client with a sane default timeout, matching the teacher's
// habit of never leaving an HTTP client with an unbounded default timeout.
func New(baseURL, bearerAuth string) *Client {
	return &Client{
		BaseURL:    baseURL,
		BearerAuth: bearerAuth,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for any non-2xx response; Conflicts is populated
// only for a 409 push response.
type APIError struct {
	StatusCode int
	Message    string
	Conflicts  []registrystore.Conflict
}

func (e *APIError) Error() string {
	return fmt.Sprintf("httpclient: server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerAuth != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerAuth)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error     string                   `json:"error"`
			Conflicts []registrystore.Conflict `json:"conflicts"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			apiErr.Message = envelope.Error
			apiErr.Conflicts = envelope.Conflicts
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// PushPlaintext posts a plaintext push batch.
func (c *Client) PushPlaintext(ctx context.Context, ops []registrystore.PushOperation) (*registrystore.PushResult, error) {
	return c.push(ctx, "/sync/plaintext/push", ops)
}

// PushEncrypted posts a ciphertext push batch.
func (c *Client) PushEncrypted(ctx context.Context, ops []registrystore.PushOperation) (*registrystore.PushResult, error) {
	return c.push(ctx, "/sync/encrypted/push", ops)
}

func (c *Client) push(ctx context.Context, path string, ops []registrystore.PushOperation) (*registrystore.PushResult, error) {
	body := struct {
		Operations []registrystore.PushOperation `json:"operations"`
	}{Operations: ops}
	var result registrystore.PushResult
	err := c.do(ctx, http.MethodPost, path, nil, body, &result)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusConflict {
		result.Conflicts = apiErr.Conflicts
		return &result, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PullPlaintext fetches one page of plaintext records.
func (c *Client) PullPlaintext(ctx context.Context, cursor *time.Time, recordType *model.RecordType, limit int) (*registrystore.PullPage, error) {
	q := url.Values{}
	if cursor != nil {
		q.Set("cursor", cursor.UTC().Format(time.RFC3339Nano))
	}
	if recordType != nil {
		q.Set("recordType", string(*recordType))
	}
	q.Set("limit", strconv.Itoa(limit))
	var page registrystore.PullPage
	if err := c.do(ctx, http.MethodGet, "/sync/plaintext/pull", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PullEncrypted fetches one page of ciphertext records.
func (c *Client) PullEncrypted(ctx context.Context, cursor *time.Time, limit int) (*registrystore.PullPage, error) {
	q := url.Values{}
	if cursor != nil {
		q.Set("cursor", cursor.UTC().Format(time.RFC3339Nano))
	}
	q.Set("limit", strconv.Itoa(limit))
	var page registrystore.PullPage
	if err := c.do(ctx, http.MethodGet, "/sync/encrypted/pull", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Checksum fetches the authoritative dataset checksum meta.
func (c *Client) Checksum(ctx context.Context) (*checksum.Meta, error) {
	var meta checksum.Meta
	if err := c.do(ctx, http.MethodGet, "/sync/plaintext/checksum", nil, nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetSettings fetches the user's current sync settings.
func (c *Client) GetSettings(ctx context.Context) (*model.SyncSettings, error) {
	var settings model.SyncSettings
	if err := c.do(ctx, http.MethodGet, "/sync/settings", nil, nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// PutSettings upserts the user's sync settings.
func (c *Client) PutSettings(ctx context.Context, enabled bool, mode model.SyncMode) (*model.SyncSettings, error) {
	body := struct {
		SyncEnabled bool           `json:"syncEnabled"`
		SyncMode    model.SyncMode `json:"syncMode"`
	}{enabled, mode}
	var settings model.SyncSettings
	if err := c.do(ctx, http.MethodPut, "/sync/settings", nil, body, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// VaultInfo mirrors GET /vault's response shape.
type VaultInfo struct {
	Enabled  bool                  `json:"enabled"`
	Envelope *model.VaultEnvelope  `json:"envelope,omitempty"`
}

// GetVault fetches envelope existence and metadata.
func (c *Client) GetVault(ctx context.Context) (*VaultInfo, error) {
	var info VaultInfo
	if err := c.do(ctx, http.MethodGet, "/vault", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EnvelopeRequest is the wire shape for enabling or replacing a vault envelope.
type EnvelopeRequest struct {
	WrappedKey       string                  `json:"wrappedKey"`
	Salt             string                  `json:"salt"`
	KDFParams        model.KDFParams         `json:"kdfParams"`
	RecoveryWrappers []model.RecoveryWrapper `json:"recoveryWrappers,omitempty"`
	Overwrite        bool                    `json:"overwrite,omitempty"`
}

// EnableVault stores the initial envelope.
func (c *Client) EnableVault(ctx context.Context, req EnvelopeRequest) error {
	return c.do(ctx, http.MethodPost, "/vault/enable", nil, req, nil)
}

// PutEnvelope replaces an existing envelope (after recovery-code unlock).
func (c *Client) PutEnvelope(ctx context.Context, req EnvelopeRequest) error {
	return c.do(ctx, http.MethodPut, "/vault/envelope", nil, req, nil)
}

// DisableAction requests one step of the disable two-phase commit.
func (c *Client) DisableAction(ctx context.Context, action string) error {
	body := struct {
		Action string `json:"action"`
	}{action}
	return c.do(ctx, http.MethodPost, "/vault/disable", nil, body, nil)
}

// VerifyPlaintextResult mirrors the verification gate's response.
type VerifyPlaintextResult struct {
	Verified      bool `json:"verified"`
	ServerCount   int  `json:"serverCount"`
	ExpectedCount int  `json:"expectedCount"`
}

// VerifyPlaintext asserts the expected plaintext row count during disable.
func (c *Client) VerifyPlaintext(ctx context.Context, expectedCount int) (*VerifyPlaintextResult, error) {
	q := url.Values{"expectedCount": {strconv.Itoa(expectedCount)}}
	var result VerifyPlaintextResult
	if err := c.do(ctx, http.MethodGet, "/vault/disable/verify-plaintext", q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cleanup removes partially uploaded rows on disable rollback.
func (c *Client) Cleanup(ctx context.Context, recordIDs []string, recordTypes []model.RecordType) error {
	body := struct {
		RecordIDs   []string           `json:"recordIds"`
		RecordTypes []model.RecordType `json:"recordTypes"`
	}{recordIDs, recordTypes}
	return c.do(ctx, http.MethodPost, "/vault/disable/cleanup", nil, body, nil)
}
