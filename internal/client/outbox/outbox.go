// Package outbox implements the persisted, coalescing FIFO queue of pending
// client mutations awaiting server acknowledgement (§4.4). It is modeled as
// a persisted ordered map keyed by (recordId, recordType) so coalescing is
// O(1) and batch push can iterate in insertion order.
package outbox

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chirino/bookmarksync/internal/client/blobstore"
	"github.com/chirino/bookmarksync/internal/model"
)

// Entry is one queued mutation.
type Entry struct {
	OpID        string           `json:"opId"`
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	BaseVersion int64            `json:"baseVersion"`
	Payload     json.RawMessage  `json:"payload"`
	Deleted     bool             `json:"deleted"`
	CreatedAt   time.Time        `json:"createdAt"`
	Retries     int              `json:"retries"`
}

type coalesceKey struct {
	RecordID   string
	RecordType model.RecordType
}

// MaxRetries is the tunable threshold past which an entry is surfaced to
// the UI as failed, but is not removed from the queue (§4.4).
const MaxRetries = 10

type persisted struct {
	Order   []coalesceKey           `json:"order"`
	Entries map[string]Entry        `json:"entries"`
}

func keyString(k coalesceKey) string { return string(k.RecordType) + ":" + k.RecordID }

// Outbox is one mode's (plaintext or e2e) pending-mutation queue.
type Outbox struct {
	blobKey string
	blobs   blobstore.BlobStore

	mu      sync.Mutex
	order   []coalesceKey
	entries map[string]Entry
}

// New loads (or lazily initializes) the outbox stored under blobKey.
func New(blobs blobstore.BlobStore, blobKey string) (*Outbox, error) {
	o := &Outbox{blobKey: blobKey, blobs: blobs, entries: map[string]Entry{}}
	raw, ok, err := blobs.Get(blobKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return o, nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	o.order = p.Order
	o.entries = p.Entries
	if o.entries == nil {
		o.entries = map[string]Entry{}
	}
	return o, nil
}

func (o *Outbox) persist() error {
	p := persisted{Order: o.order, Entries: o.entries}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return o.blobs.Put(o.blobKey, raw)
}

// Enqueue adds entry, coalescing with any existing entry for the same
// (RecordID, RecordType): the newer entry replaces the older one in place,
// preserving its position in FIFO order (§4.4 — "the newer supersedes").
func (o *Outbox) Enqueue(entry Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := coalesceKey{RecordID: entry.RecordID, RecordType: entry.RecordType}
	ks := keyString(k)
	if _, exists := o.entries[ks]; !exists {
		o.order = append(o.order, k)
	}
	o.entries[ks] = entry
	return o.persist()
}

// Head returns up to n entries from the queue head, in FIFO order, without
// removing them.
func (o *Outbox) Head(n int) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > len(o.order) {
		n = len(o.order)
	}
	out := make([]Entry, 0, n)
	for _, k := range o.order[:n] {
		out = append(out, o.entries[keyString(k)])
	}
	return out
}

// Len reports the number of pending entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

// Remove drops the named (by RecordID) entries after server acknowledgement.
func (o *Outbox) Remove(recordIDs ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	toRemove := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		toRemove[id] = true
	}
	newOrder := o.order[:0:0]
	for _, k := range o.order {
		if toRemove[k.RecordID] {
			delete(o.entries, keyString(k))
			continue
		}
		newOrder = append(newOrder, k)
	}
	o.order = newOrder
	return o.persist()
}

// IncrementRetries bumps Retries on the named entries, e.g. after a
// network or 5xx error rejects a whole batch (§4.5 step 6).
func (o *Outbox) IncrementRetries(recordIDs ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range o.order {
		for _, id := range recordIDs {
			if k.RecordID == id {
				e := o.entries[keyString(k)]
				e.Retries++
				o.entries[keyString(k)] = e
			}
		}
	}
	return o.persist()
}

// Failed returns entries that have exceeded MaxRetries, for UI surfacing.
// They remain in the queue until drained or explicitly cleared.
func (o *Outbox) Failed() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Entry
	for _, k := range o.order {
		if e := o.entries[keyString(k)]; e.Retries > MaxRetries {
			out = append(out, e)
		}
	}
	return out
}

// Clear wipes the outbox entirely.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = nil
	o.entries = map[string]Entry{}
	return o.persist()
}
