// Package recordstore owns the authoritative local copy of a signed-in
// user's records, backed by a blob-addressable key/value store with a
// read-through cache invalidated on external change.
package recordstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chirino/bookmarksync/internal/client/blobstore"
	"github.com/chirino/bookmarksync/internal/model"
)

// Meta is the per-record client-side sync bookkeeping kept alongside the
// payload so conflicts can be detected on pull and the outbox can coalesce
// superseded operations.
type Meta struct {
	SyncVersion int64     `json:"syncVersion"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Deleted     bool      `json:"deleted"`
}

// Entry is one stored record: its raw payload plus sync bookkeeping.
type Entry struct {
	Data json.RawMessage `json:"data"`
	Meta Meta            `json:"meta"`
}

type kindFile struct {
	Version int              `json:"version"`
	Data    map[string]Entry `json:"data"`
}

// ChangeHook is invoked after every successful local Upsert or Delete, with
// the kind that changed, for callers to wire checksum debounce and outbox
// enqueue. ApplyRemote and Clear do not invoke it.
type ChangeHook func(kind model.RecordType, id string, entry Entry, deleted bool)

// Store is the client-side typed record cache for the three record kinds.
type Store struct {
	blobs blobstore.BlobStore
	onMut ChangeHook

	mu    sync.RWMutex
	cache map[model.RecordType]map[string]Entry
}

func keyFor(kind model.RecordType) string { return "records:" + string(kind) }

// New loads (or lazily initializes) the per-kind caches from blobs. onMut
// may be nil.
func New(blobs blobstore.BlobStore, onMut ChangeHook) (*Store, error) {
	s := &Store{
		blobs: blobs,
		onMut: onMut,
		cache: map[model.RecordType]map[string]Entry{
			model.RecordTypeBookmark:   {},
			model.RecordTypeSpace:      {},
			model.RecordTypePinnedView: {},
		},
	}
	for kind := range s.cache {
		raw, ok, err := blobs.Get(keyFor(kind))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var f kindFile
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		s.cache[kind] = f.Data
	}
	blobs.Subscribe(func(ev blobstore.ChangeEvent) {
		for kind := range s.cache {
			if ev.Key == keyFor(kind) {
				s.reload(kind)
			}
		}
	})
	return s, nil
}

// reload re-reads one kind's file from the backing blob store, invalidating
// the in-memory cache for that kind. Used when the blob store reports an
// external (cross-tab) change.
func (s *Store) reload(kind model.RecordType) {
	raw, ok, err := s.blobs.Get(keyFor(kind))
	if err != nil || !ok {
		return
	}
	var f kindFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	s.mu.Lock()
	s.cache[kind] = f.Data
	s.mu.Unlock()
}

func (s *Store) persist(kind model.RecordType) error {
	f := kindFile{Version: 1, Data: s.cache[kind]}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.blobs.Put(keyFor(kind), raw)
}

// List returns a defensive copy of every non-deleted entry of kind.
func (s *Store) List(kind model.RecordType) map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.cache[kind]))
	for id, e := range s.cache[kind] {
		if !e.Meta.Deleted {
			out[id] = copyEntry(e)
		}
	}
	return out
}

// Get returns a defensive copy of one entry, including tombstones.
func (s *Store) Get(kind model.RecordType, id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[kind][id]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

func copyEntry(e Entry) Entry {
	data := make(json.RawMessage, len(e.Data))
	copy(data, e.Data)
	return Entry{Data: data, Meta: e.Meta}
}

// Upsert writes id's payload, bumping UpdatedAt to now. syncVersion is the
// caller's choice of SyncVersion (0 for a purely local, not-yet-pushed
// write). On persistence failure the in-memory cache is left unchanged and
// the error is returned, per §4.2's failure contract.
func (s *Store) Upsert(kind model.RecordType, id string, data json.RawMessage, syncVersion int64) error {
	s.mu.Lock()
	entry := Entry{Data: data, Meta: Meta{SyncVersion: syncVersion, UpdatedAt: time.Now().UTC()}}
	prev := s.cache[kind]
	next := make(map[string]Entry, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[id] = entry
	s.cache[kind] = next
	if err := s.persist(kind); err != nil {
		s.cache[kind] = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if s.onMut != nil {
		s.onMut(kind, id, entry, false)
	}
	return nil
}

// Delete hard-deletes id locally (sync deletion is managed by the outbox,
// which records the tombstone as an operation separately).
func (s *Store) Delete(kind model.RecordType, id string) error {
	s.mu.Lock()
	prev := s.cache[kind]
	existing, existed := prev[id]
	if !existed {
		s.mu.Unlock()
		return nil
	}
	next := make(map[string]Entry, len(prev))
	for k, v := range prev {
		if k != id {
			next[k] = v
		}
	}
	s.cache[kind] = next
	if err := s.persist(kind); err != nil {
		s.cache[kind] = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if s.onMut != nil {
		s.onMut(kind, id, existing, true)
	}
	return nil
}

// ApplyRemote overwrites (or hard-deletes, for tombstones) a record pulled
// from the server, per §4.6 step 4. It does not trigger onMut — pulled
// changes must not be re-queued onto the outbox.
func (s *Store) ApplyRemote(kind model.RecordType, id string, data json.RawMessage, syncVersion int64, updatedAt time.Time, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deleted {
		delete(s.cache[kind], id)
		return s.persist(kind)
	}
	s.cache[kind][id] = Entry{Data: data, Meta: Meta{SyncVersion: syncVersion, UpdatedAt: updatedAt}}
	return s.persist(kind)
}

// Clear wipes all cached records of every kind, used when vault enable
// clears plaintext storage or disable clears encrypted storage.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.cache {
		s.cache[kind] = map[string]Entry{}
		if err := s.persist(kind); err != nil {
			return err
		}
	}
	return nil
}

// AllNonDeleted returns every non-tombstoned entry across all three kinds,
// the input shape the checksum engine consumes.
func (s *Store) AllNonDeleted() map[model.RecordType]map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.RecordType]map[string]Entry, len(s.cache))
	for kind, entries := range s.cache {
		m := make(map[string]Entry, len(entries))
		for id, e := range entries {
			if !e.Meta.Deleted {
				m[id] = copyEntry(e)
			}
		}
		out[kind] = m
	}
	return out
}
