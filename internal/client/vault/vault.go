// Package vault drives the client-side end-to-end-encryption lifecycle: the
// enable and disable two-phase commits, passphrase/recovery-code unlock,
// and recovery-code provisioning (§4.7). It is distinct from
// internal/plugin/route/vault, which only exposes the server's envelope and
// disable-support endpoints over HTTP.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/client/blobstore"
	"github.com/chirino/bookmarksync/internal/client/httpclient"
	"github.com/chirino/bookmarksync/internal/client/outbox"
	"github.com/chirino/bookmarksync/internal/client/recordstore"
	"github.com/chirino/bookmarksync/internal/client/syncengine"
	"github.com/chirino/bookmarksync/internal/cryptoutil"
	"github.com/chirino/bookmarksync/internal/model"
	"github.com/google/uuid"
)

// ErrIncorrectPassphrase is reported when unwrapping the data key fails,
// per §4.7.3's "incorrect passphrase" contract.
var ErrIncorrectPassphrase = errors.New("vault: incorrect passphrase")

// ErrRecoveryCodeUsed is reported when a recovery wrapper has already been consumed.
var ErrRecoveryCodeUsed = errors.New("vault: recovery code already used")

// ErrRecoveryCodeUnknown is reported when no wrapper matches the hashed code.
var ErrRecoveryCodeUnknown = errors.New("vault: unknown recovery code")

const (
	disableVerifyMaxAttempts = 5
	disableVerifyTimeout     = 30 * time.Second
	disablePushMaxIterations = 20
)

const allRecordKindsKey = "vault:backup:"

// Manager coordinates enable/disable/unlock for one signed-in user's three
// record kinds against both local storage and the server.
type Manager struct {
	Blobs      blobstore.BlobStore
	HTTP       *httpclient.Client
	Plaintext  *recordstore.Store
	Encrypted  *recordstore.Store
	PlaintextOutbox *outbox.Outbox
	EncryptedOutbox *outbox.Outbox
}

// Session holds the data key only in volatile memory for the lifetime of an
// unlocked session; it is never persisted (§4.7.3).
type Session struct {
	DataKey []byte
}

// UnlockWithPassphrase derives the wrapping key from the envelope's salt and
// the given passphrase and unwraps the data key.
func UnlockWithPassphrase(envelope model.VaultEnvelope, passphrase string) (*Session, error) {
	wrappingKey := cryptoutil.DeriveWrappingKey(passphrase, envelope.Salt)
	dataKey, err := cryptoutil.UnwrapKey(envelope.WrappedDataKey, wrappingKey)
	if err != nil {
		return nil, ErrIncorrectPassphrase
	}
	return &Session{DataKey: dataKey}, nil
}

// UnlockWithRecoveryCode finds the matching unused wrapper by code hash,
// unwraps the data key, then rotates to a fresh passphrase-derived wrapper
// and marks the consumed wrapper used (§4.7.3).
func UnlockWithRecoveryCode(ctx context.Context, httpClient *httpclient.Client, envelope model.VaultEnvelope, code, newPassphrase string) (*Session, model.VaultEnvelope, error) {
	hash := cryptoutil.HashRecoveryCode(code)
	var matchIdx = -1
	for i, w := range envelope.RecoveryWrappers {
		if w.CodeHash == hash {
			matchIdx = i
			break
		}
	}
	if matchIdx < 0 {
		return nil, model.VaultEnvelope{}, ErrRecoveryCodeUnknown
	}
	wrapper := envelope.RecoveryWrappers[matchIdx]
	if wrapper.UsedAt != nil {
		return nil, model.VaultEnvelope{}, ErrRecoveryCodeUsed
	}

	wrappingKey := cryptoutil.DeriveWrappingKey(code, wrapper.Salt)
	dataKey, err := cryptoutil.UnwrapKey(wrapper.WrappedDataKey, wrappingKey)
	if err != nil {
		return nil, model.VaultEnvelope{}, ErrIncorrectPassphrase
	}

	newSalt, err := cryptoutil.GenerateSalt()
	if err != nil {
		return nil, model.VaultEnvelope{}, err
	}
	newWrappingKey := cryptoutil.DeriveWrappingKey(newPassphrase, newSalt)
	newWrapped, err := cryptoutil.WrapKey(dataKey, newWrappingKey)
	if err != nil {
		return nil, model.VaultEnvelope{}, err
	}

	now := time.Now().UTC()
	updated := envelope
	updated.WrappedDataKey = newWrapped
	updated.Salt = newSalt
	updated.RecoveryWrappers = append([]model.RecoveryWrapper{}, envelope.RecoveryWrappers...)
	updated.RecoveryWrappers[matchIdx].UsedAt = &now

	if err := httpClient.PutEnvelope(ctx, httpclient.EnvelopeRequest{
		WrappedKey:       cryptoutil.EncodeBase64(updated.WrappedDataKey),
		Salt:             cryptoutil.EncodeBase64(updated.Salt),
		KDFParams:        updated.KDFParams,
		RecoveryWrappers: updated.RecoveryWrappers,
	}); err != nil {
		return nil, model.VaultEnvelope{}, fmt.Errorf("vault: uploading rotated envelope: %w", err)
	}

	return &Session{DataKey: dataKey}, updated, nil
}

// recoveryCodeAlphabet avoids visually ambiguous characters (0/O, 1/I/L).
const recoveryCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateRecoveryCodes produces n human-typeable recovery codes (resolving
// the open question of recovery-code provisioning as an optional step taken
// at vault-enable time rather than a separate endpoint). Each code is
// returned in plaintext exactly once; only its hash is ever persisted.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		var sb [10]byte
		for j := range sb {
			idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryCodeAlphabet))))
			if err != nil {
				return nil, err
			}
			sb[j] = recoveryCodeAlphabet[idx.Int64()]
		}
		codes[i] = fmt.Sprintf("%s-%s", sb[:5], sb[5:])
	}
	return codes, nil
}

// wrapRecoveryCodes builds the persisted RecoveryWrapper rows for a fresh
// set of plaintext recovery codes, each independently able to unwrap dataKey.
func wrapRecoveryCodes(dataKey []byte, codes []string) ([]model.RecoveryWrapper, error) {
	wrappers := make([]model.RecoveryWrapper, 0, len(codes))
	for _, code := range codes {
		salt, err := cryptoutil.GenerateSalt()
		if err != nil {
			return nil, err
		}
		wrappingKey := cryptoutil.DeriveWrappingKey(code, salt)
		wrapped, err := cryptoutil.WrapKey(dataKey, wrappingKey)
		if err != nil {
			return nil, err
		}
		wrappers = append(wrappers, model.RecoveryWrapper{
			ID:             uuid.NewString(),
			WrappedDataKey: wrapped,
			Salt:           salt,
			CodeHash:       cryptoutil.HashRecoveryCode(code),
		})
	}
	return wrappers, nil
}

// EnableOptions configures an Enable call.
type EnableOptions struct {
	Passphrase      string
	RecoveryCodeCount int // 0 disables recovery-code provisioning
	Overwrite       bool
}

// EnableResult reports the recovery codes generated, if any (shown to the
// user exactly once; never retrievable again).
type EnableResult struct {
	RecoveryCodes []string
}

// Enable runs the plaintext→e2e two-phase commit (§4.7.1).
func (m *Manager) Enable(ctx context.Context, opts EnableOptions) (*EnableResult, error) {
	// Phase 1 (local, reversible): clear stale vault state.
	if err := m.Encrypted.Clear(); err != nil {
		return nil, fmt.Errorf("vault enable: clearing stale encrypted buffer: %w", err)
	}
	if err := m.EncryptedOutbox.Clear(); err != nil {
		return nil, fmt.Errorf("vault enable: clearing stale encrypted outbox: %w", err)
	}

	dataKey, err := cryptoutil.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	salt, err := cryptoutil.GenerateSalt()
	if err != nil {
		return nil, err
	}
	wrappingKey := cryptoutil.DeriveWrappingKey(opts.Passphrase, salt)
	wrappedKey, err := cryptoutil.WrapKey(dataKey, wrappingKey)
	if err != nil {
		return nil, err
	}

	var recoveryCodes []string
	var wrappers []model.RecoveryWrapper
	if opts.RecoveryCodeCount > 0 {
		recoveryCodes, err = GenerateRecoveryCodes(opts.RecoveryCodeCount)
		if err != nil {
			return nil, err
		}
		wrappers, err = wrapRecoveryCodes(dataKey, recoveryCodes)
		if err != nil {
			return nil, err
		}
	}

	plaintextSnapshot := m.Plaintext.AllNonDeleted()
	for kind, entries := range plaintextSnapshot {
		for id, entry := range entries {
			iv, ciphertext, err := cryptoutil.Encrypt(entry.Data, dataKey)
			if err != nil {
				return nil, fmt.Errorf("vault enable: encrypting %s/%s: %w", kind, id, err)
			}
			blob := append(append([]byte{}, iv...), ciphertext...)
			if err := sanityCheckRoundTrip(entry.Data, blob, dataKey); err != nil {
				return nil, fmt.Errorf("vault enable: sanity check failed for %s/%s: %w", kind, id, err)
			}
			encoded, err := json.Marshal(blob)
			if err != nil {
				return nil, err
			}
			if err := m.Encrypted.Upsert(kind, id, encoded, 0); err != nil {
				return nil, err
			}
		}
	}

	// Phase 2 (server-coordinated, irreversible once the envelope lands).
	if err := m.HTTP.EnableVault(ctx, httpclient.EnvelopeRequest{
		WrappedKey:       cryptoutil.EncodeBase64(wrappedKey),
		Salt:             cryptoutil.EncodeBase64(salt),
		KDFParams:        model.DefaultKDFParams(),
		RecoveryWrappers: wrappers,
		Overwrite:        opts.Overwrite,
	}); err != nil {
		return nil, fmt.Errorf("vault enable: uploading envelope: %w", err)
	}

	for kind, entries := range m.Encrypted.AllNonDeleted() {
		for id, entry := range entries {
			var blob []byte
			if err := json.Unmarshal(entry.Data, &blob); err != nil {
				return nil, err
			}
			if err := m.EncryptedOutbox.Enqueue(outbox.Entry{
				OpID: uuid.NewString(), RecordID: id, RecordType: kind,
				Payload: mustMarshalBytes(blob), CreatedAt: time.Now().UTC(),
			}); err != nil {
				return nil, err
			}
		}
	}

	engine := syncengine.New(m.Encrypted, m.EncryptedOutbox, m.HTTP, model.SyncModeE2E)
	if err := engine.DrainOutbox(ctx, disablePushMaxIterations); err != nil {
		// Restoring sync mode to its previous value is the caller's
		// responsibility (it owns the settings round trip); we only
		// guarantee plaintext storage was never touched.
		return nil, fmt.Errorf("vault enable: pushing encrypted records: %w", err)
	}

	if _, err := m.HTTP.PutSettings(ctx, true, model.SyncModeE2E); err != nil {
		return nil, fmt.Errorf("vault enable: flipping sync mode: %w", err)
	}

	if err := m.Plaintext.Clear(); err != nil {
		log.Error("vault enable: clearing plaintext storage after successful upload", "err", err)
	}

	return &EnableResult{RecoveryCodes: recoveryCodes}, nil
}

func sanityCheckRoundTrip(want []byte, blob []byte, dataKey []byte) error {
	iv, ciphertext := blob[:12], blob[12:]
	got, err := cryptoutil.Decrypt(iv, ciphertext, dataKey)
	if err != nil {
		return err
	}
	var probe interface{}
	if err := json.Unmarshal(got, &probe); err != nil && len(want) > 0 {
		return fmt.Errorf("decrypted payload does not parse as JSON: %w", err)
	}
	return nil
}

func mustMarshalBytes(b []byte) json.RawMessage {
	raw, _ := json.Marshal(b)
	return raw
}

// DisableBackup is the local rollback checkpoint captured before any
// irreversible server action in the disable flow.
type DisableBackup struct {
	ID        string                                     `json:"id"`
	Envelope  model.VaultEnvelope                        `json:"envelope"`
	Encrypted map[model.RecordType]map[string]recordstore.Entry `json:"encrypted"`
	CreatedAt time.Time                                  `json:"createdAt"`
}

// Disable runs the e2e→plaintext two-phase commit with rollback (§4.7.2).
func (m *Manager) Disable(ctx context.Context, envelope model.VaultEnvelope, session *Session) error {
	backup := DisableBackup{
		ID:        uuid.NewString(),
		Envelope:  envelope,
		Encrypted: m.Encrypted.AllNonDeleted(),
		CreatedAt: time.Now().UTC(),
	}
	backupKey := allRecordKindsKey + backup.ID
	raw, err := json.Marshal(backup)
	if err != nil {
		return err
	}
	if err := m.Blobs.Put(backupKey, raw); err != nil {
		return fmt.Errorf("vault disable: writing backup checkpoint: %w", err)
	}

	decrypted := map[model.RecordType]map[string]json.RawMessage{}
	for kind, entries := range backup.Encrypted {
		decrypted[kind] = map[string]json.RawMessage{}
		for id, entry := range entries {
			var blob []byte
			if err := json.Unmarshal(entry.Data, &blob); err != nil {
				return m.rollback(ctx, backupKey, backup, fmt.Errorf("vault disable: malformed ciphertext buffer for %s/%s: %w", kind, id, err))
			}
			if len(blob) < 12 {
				return m.rollback(ctx, backupKey, backup, fmt.Errorf("vault disable: truncated ciphertext buffer for %s/%s", kind, id))
			}
			plain, err := cryptoutil.Decrypt(blob[:12], blob[12:], session.DataKey)
			if err != nil {
				return m.rollback(ctx, backupKey, backup, fmt.Errorf("vault disable: decrypting %s/%s: %w", kind, id, err))
			}
			decrypted[kind][id] = plain
		}
	}

	if err := m.PlaintextOutbox.Clear(); err != nil {
		return m.rollback(ctx, backupKey, backup, err)
	}
	expectedCount := 0
	for kind, byID := range decrypted {
		for id, plain := range byID {
			if err := m.PlaintextOutbox.Enqueue(outbox.Entry{
				OpID: uuid.NewString(), RecordID: id, RecordType: kind,
				Payload: plain, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return m.rollback(ctx, backupKey, backup, err)
			}
			expectedCount++
		}
	}

	engine := syncengine.New(m.Plaintext, m.PlaintextOutbox, m.HTTP, model.SyncModePlaintext)
	if err := engine.DrainOutbox(ctx, disablePushMaxIterations); err != nil {
		return m.rollback(ctx, backupKey, backup, fmt.Errorf("vault disable: push loop did not complete: %w", err))
	}

	verified := false
	var verifyErr error
	for attempt := 0; attempt < disableVerifyMaxAttempts; attempt++ {
		verifyCtx, cancel := context.WithTimeout(ctx, disableVerifyTimeout)
		result, err := m.HTTP.VerifyPlaintext(verifyCtx, expectedCount)
		cancel()
		if err != nil {
			verifyErr = err
			continue
		}
		if result.Verified {
			verified = true
			break
		}
		verifyErr = fmt.Errorf("vault disable: server count %d != expected %d", result.ServerCount, result.ExpectedCount)
		break
	}
	if !verified {
		return m.rollback(ctx, backupKey, backup, fmt.Errorf("vault disable: verification failed: %w", verifyErr))
	}

	// Phase 2: irreversible.
	if err := m.HTTP.DisableAction(ctx, "delete-encrypted"); err != nil {
		return fmt.Errorf("vault disable: deleting encrypted records (critical, backup %s retained): %w", backup.ID, err)
	}
	if err := m.HTTP.DisableAction(ctx, "delete-vault"); err != nil {
		return fmt.Errorf("vault disable: deleting envelope (critical, backup %s retained): %w", backup.ID, err)
	}
	if err := m.Encrypted.Clear(); err != nil {
		log.Error("vault disable: clearing local encrypted storage", "err", err)
	}
	for kind, byID := range decrypted {
		for id, plain := range byID {
			if err := m.Plaintext.Upsert(kind, id, plain, 0); err != nil {
				return fmt.Errorf("vault disable: writing plaintext record %s/%s (critical, backup %s retained): %w", kind, id, backup.ID, err)
			}
		}
	}
	if _, err := m.HTTP.PutSettings(ctx, true, model.SyncModePlaintext); err != nil {
		return fmt.Errorf("vault disable: flipping sync mode (critical, backup %s retained): %w", backup.ID, err)
	}
	if err := m.Blobs.Delete(backupKey); err != nil {
		log.Error("vault disable: deleting backup checkpoint", "err", err, "backupId", backup.ID)
	}
	return nil
}

// rollback restores the encrypted records from the backup blob and
// best-effort cleans up any partially uploaded plaintext rows. The envelope
// copy held in the backup is not written back anywhere.
func (m *Manager) rollback(ctx context.Context, backupKey string, backup DisableBackup, cause error) error {
	for kind, entries := range backup.Encrypted {
		for id, entry := range entries {
			if err := m.Encrypted.Upsert(kind, id, entry.Data, entry.Meta.SyncVersion); err != nil {
				log.Error("vault disable rollback: restoring encrypted record failed", "err", err, "backupId", backup.ID)
				return fmt.Errorf("vault disable: rollback failed, backup %s requires manual recovery: %w", backup.ID, cause)
			}
		}
	}

	var recordIDs []string
	var recordTypes []model.RecordType
	for kind, entries := range backup.Encrypted {
		for id := range entries {
			recordIDs = append(recordIDs, id)
			recordTypes = append(recordTypes, kind)
		}
	}
	if len(recordIDs) > 0 {
		if err := m.HTTP.Cleanup(ctx, recordIDs, recordTypes); err != nil {
			log.Error("vault disable rollback: best-effort server cleanup failed", "err", err, "backupId", backup.ID)
		}
	}

	if err := m.Blobs.Delete(backupKey); err != nil {
		log.Error("vault disable rollback: deleting backup checkpoint", "err", err, "backupId", backup.ID)
	}
	return fmt.Errorf("vault disable: aborted and rolled back: %w", cause)
}
