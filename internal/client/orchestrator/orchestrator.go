// Package orchestrator schedules push and pull around the sync engine:
// debounced push on local change, checksum-gated pull on demand, and
// broadcast of sync completion across sibling sessions of the same user
// (§4.9).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmarksync/internal/checksum"
	"github.com/chirino/bookmarksync/internal/client/syncengine"
)

// debounceWindow is how long a burst of local mutations is coalesced before
// triggering a push (§4.9).
const debounceWindow = 2 * time.Second

// Bus broadcasts sync-completion notifications across sibling sessions of
// the same user (other tabs or devices sharing this process's cache). The
// in-process implementation below serves single-session drivers; Redis
// pub/sub serves multi-process deployments.
type Bus interface {
	// Publish announces a completed sync for userID.
	Publish(ctx context.Context, userID string) error
	// Subscribe invokes fn whenever any session publishes for userID.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, userID string, fn func()) (unsubscribe func(), err error)
}

// State is the observable status an orchestrator exposes to a UI layer, per
// §4.9's {isSyncing, pendingCount, lastSync, error}.
type State struct {
	IsSyncing    bool
	PendingCount int
	LastSync     *time.Time
	Error        error
}

// Orchestrator couples a sync engine with debounce scheduling and
// cross-session broadcast.
type Orchestrator struct {
	Engine *syncengine.Engine
	Bus    Bus
	UserID string

	mu             sync.Mutex
	state          State
	remoteChecksum *checksum.Meta
	debounceTimer  *time.Timer
	debounceGen    int
}

// New returns an idle Orchestrator.
func New(engine *syncengine.Engine, bus Bus, userID string) *Orchestrator {
	return &Orchestrator{Engine: engine, Bus: bus, UserID: userID}
}

// State returns a snapshot of the current observable status.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// NotifyLocalChange schedules a debounced push, preempting any previously
// scheduled one so bursts of mutations coalesce into a single push.
func (o *Orchestrator) NotifyLocalChange(ctx context.Context) {
	o.mu.Lock()
	o.state.PendingCount = o.Engine.Outbox.Len()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceGen++
	gen := o.debounceGen
	o.debounceTimer = time.AfterFunc(debounceWindow, func() {
		o.mu.Lock()
		current := o.debounceGen == gen
		o.mu.Unlock()
		if !current {
			return // superseded by a newer explicit request or mutation
		}
		if err := o.pushLoop(ctx); err != nil {
			log.Error("orchestrator: debounced push failed", "err", err, "userId", o.UserID)
		}
	})
	o.mu.Unlock()
}

// RequestSync preempts any in-flight debounce and pushes immediately,
// then runs CheckAndSync (§5's "a new explicit sync request MUST preempt
// any in-flight implicit debounce").
func (o *Orchestrator) RequestSync(ctx context.Context) (skipped bool, err error) {
	o.mu.Lock()
	o.debounceGen++
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.mu.Unlock()

	if err := o.pushLoop(ctx); err != nil {
		return false, err
	}
	return o.CheckAndSync(ctx)
}

func (o *Orchestrator) pushLoop(ctx context.Context) error {
	for {
		result, hadWork, err := o.Engine.PushOnce(ctx)
		o.mu.Lock()
		if err != nil {
			o.state.Error = err
		} else if hadWork {
			o.state.PendingCount = result.Remaining
			o.state.Error = nil
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
		if !hadWork {
			return nil
		}
	}
}

// CheckAndSync implements §4.9's checkAndSync: compare server checksum meta
// to the locally stored remote checksum meta and pull only on divergence.
// isSyncing is exclusive — a concurrent call returns skipped=true immediately.
func (o *Orchestrator) CheckAndSync(ctx context.Context) (skipped bool, err error) {
	o.mu.Lock()
	if o.state.IsSyncing {
		o.mu.Unlock()
		return true, nil
	}
	o.state.IsSyncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.state.IsSyncing = false
		if err != nil {
			o.state.Error = err
		}
		o.mu.Unlock()
	}()

	serverMeta, fetchErr := o.Engine.HTTP.Checksum(ctx)
	if fetchErr != nil {
		return false, fetchErr
	}

	o.mu.Lock()
	unchanged := o.remoteChecksum != nil && o.remoteChecksum.Checksum == serverMeta.Checksum
	o.mu.Unlock()
	if unchanged {
		return true, nil
	}

	if _, pullErr := o.Engine.PullAll(ctx, nil); pullErr != nil {
		return false, pullErr
	}

	now := time.Now().UTC()
	o.mu.Lock()
	o.remoteChecksum = serverMeta
	o.state.LastSync = &now
	o.state.Error = nil
	o.mu.Unlock()

	if o.Bus != nil {
		if err := o.Bus.Publish(ctx, o.UserID); err != nil {
			log.Error("orchestrator: broadcasting SYNC_COMPLETE failed", "err", err, "userId", o.UserID)
		}
	}
	return false, nil
}
