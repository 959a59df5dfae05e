// Package syncengine drives the outbox and the pull cursor against the
// server replica's HTTP API: mode-aware batch push, paged pull with apply,
// and the checksum bookkeeping the orchestrator uses to decide whether a
// sync is needed at all (§4.5, §4.6).
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/client/httpclient"
	"github.com/chirino/bookmarksync/internal/client/outbox"
	"github.com/chirino/bookmarksync/internal/client/recordstore"
	"github.com/chirino/bookmarksync/internal/model"
	registrystore "github.com/chirino/bookmarksync/internal/registry/store"
)

// defaultPushBatchSize is the client-chosen batch size; the server enforces
// a hard cap of 100 regardless (§4.5 step 1).
const defaultPushBatchSize = 50

// pullPageLimit is the default per-page size requested on pull (§4.6 step 1).
const pullPageLimit = 100

// pullSafetyCap bounds the number of pages drained in one pull (§4.6 step 3).
const pullSafetyCap = 100

// Engine couples a record store, an outbox, and an HTTP client for one sync
// mode (plaintext or e2e).
type Engine struct {
	Records  *recordstore.Store
	Outbox   *outbox.Outbox
	HTTP     *httpclient.Client
	Mode     model.SyncMode
	BatchSize int
}

// New returns an Engine in the given mode with the default batch size.
func New(records *recordstore.Store, ob *outbox.Outbox, http *httpclient.Client, mode model.SyncMode) *Engine {
	return &Engine{Records: records, Outbox: ob, HTTP: http, Mode: mode, BatchSize: defaultPushBatchSize}
}

// PushResult summarizes one push batch's outcome for the orchestrator.
type PushResult struct {
	Pushed       int
	Remaining    int
	Checksum     string
	ChecksumMeta *checksum.Meta
	Conflicted   []string
}

// PushOnce drains up to one batch from the head of the outbox. It returns
// ok=false with no error when the outbox is empty.
func (e *Engine) PushOnce(ctx context.Context) (*PushResult, bool, error) {
	entries := e.Outbox.Head(e.BatchSize)
	if len(entries) == 0 {
		return nil, false, nil
	}

	ops := make([]registrystore.PushOperation, 0, len(entries))
	for _, ent := range entries {
		op := registrystore.PushOperation{
			RecordID:    ent.RecordID,
			RecordType:  ent.RecordType,
			BaseVersion: ent.BaseVersion,
			Deleted:     ent.Deleted,
		}
		if e.Mode == model.SyncModeE2E {
			var ciphertext []byte
			if err := json.Unmarshal(ent.Payload, &ciphertext); err != nil {
				return nil, false, fmt.Errorf("syncengine: decoding outbox ciphertext payload: %w", err)
			}
			op.Ciphertext = ciphertext
		} else {
			op.Data = ent.Payload
		}
		ops = append(ops, op)
	}

	var result *registrystore.PushResult
	var err error
	if e.Mode == model.SyncModeE2E {
		result, err = e.HTTP.PushEncrypted(ctx, ops)
	} else {
		result, err = e.HTTP.PushPlaintext(ctx, ops)
	}
	if err != nil {
		ids := make([]string, len(entries))
		for i, ent := range entries {
			ids[i] = ent.RecordID
		}
		if incErr := e.Outbox.IncrementRetries(ids...); incErr != nil {
			log.Error("sync push: failed to record retry", "err", incErr)
		}
		return nil, false, fmt.Errorf("syncengine: push: %w", err)
	}

	kindByID := make(map[string]model.RecordType, len(entries))
	for _, ent := range entries {
		kindByID[ent.RecordID] = ent.RecordType
	}

	conflictSet := map[string]bool{}
	for _, c := range result.Conflicts {
		conflictSet[c.RecordID] = true
	}

	var acked []string
	for _, item := range result.Results {
		if conflictSet[item.RecordID] {
			continue
		}
		acked = append(acked, item.RecordID)
		// Update the local record's sync bookkeeping with the server-assigned
		// version/timestamp so the outbox and checksum engine agree with it.
		kind := kindByID[item.RecordID]
		if entry, ok := e.Records.Get(kind, item.RecordID); ok {
			_ = e.Records.ApplyRemote(kind, item.RecordID, entry.Data, item.Version, item.UpdatedAt, entry.Meta.Deleted)
		}
	}
	if len(acked) > 0 {
		if err := e.Outbox.Remove(acked...); err != nil {
			return nil, false, err
		}
	}

	conflicted := make([]string, 0, len(result.Conflicts))
	for _, c := range result.Conflicts {
		conflicted = append(conflicted, c.RecordID)
	}

	log.Debug("sync push: batch complete", "mode", e.Mode, "pushed", len(acked), "conflicted", len(conflicted))

	return &PushResult{
		Pushed:       len(acked),
		Remaining:    e.Outbox.Len(),
		Checksum:     result.Checksum,
		ChecksumMeta: result.ChecksumMeta,
		Conflicted:   conflicted,
	}, true, nil
}

// DrainOutbox pushes batches until the outbox is empty or maxIterations is
// reached (used by the vault disable flow's push-loop-to-completion, §4.7.2
// step 5, which caps at 20 iterations).
func (e *Engine) DrainOutbox(ctx context.Context, maxIterations int) error {
	for i := 0; i < maxIterations; i++ {
		_, hadWork, err := e.PushOnce(ctx)
		if err != nil {
			return err
		}
		if !hadWork {
			return nil
		}
	}
	if e.Outbox.Len() > 0 {
		return fmt.Errorf("syncengine: outbox did not drain within %d iterations", maxIterations)
	}
	return nil
}

// PullResult summarizes a completed pull for the orchestrator.
type PullResult struct {
	Applied int
	Pages   int
}

// PullAll drains pull pages until hasMore=false or the safety cap is hit,
// applying every non-tombstone record and hard-deleting tombstones (§4.6).
func (e *Engine) PullAll(ctx context.Context, recordType *model.RecordType) (*PullResult, error) {
	var cursor *time.Time
	result := &PullResult{}
	for page := 0; page < pullSafetyCap; page++ {
		var pulled *registrystore.PullPage
		var err error
		if e.Mode == model.SyncModeE2E {
			pulled, err = e.HTTP.PullEncrypted(ctx, cursor, pullPageLimit)
		} else {
			pulled, err = e.HTTP.PullPlaintext(ctx, cursor, recordType, pullPageLimit)
		}
		if err != nil {
			return nil, fmt.Errorf("syncengine: pull: %w", err)
		}
		result.Pages++
		for _, rec := range pulled.Records {
			data := rec.Data
			if e.Mode == model.SyncModeE2E {
				raw, err := json.Marshal(rec.Ciphertext)
				if err != nil {
					return nil, err
				}
				data = raw
			}
			if err := e.Records.ApplyRemote(rec.RecordType, rec.RecordID, data, rec.Version, rec.UpdatedAt, rec.Deleted); err != nil {
				return nil, err
			}
			result.Applied++
		}
		if !pulled.HasMore {
			break
		}
		cursor = pulled.NextCursor
	}
	log.Debug("sync pull: complete", "mode", e.Mode, "applied", result.Applied, "pages", result.Pages)
	return result, nil
}
