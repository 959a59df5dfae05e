// Package checksum computes the deterministic content hash used to decide
// whether a client and server dataset have diverged.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/chirino/bookmarksync/internal/model"
)

// Item is one record as fed into the checksum engine.
type Item struct {
	RecordID   string
	RecordType model.RecordType
	Data       json.RawMessage
	Version    int64
	UpdatedAt  time.Time
}

// PerTypeCounts is the count of non-deleted records per kind.
type PerTypeCounts struct {
	Bookmarks   int `json:"bookmarks"`
	Spaces      int `json:"spaces"`
	PinnedViews int `json:"pinnedViews"`
}

// Meta is the unit exchanged between client and server for sync-skip decisions.
type Meta struct {
	Checksum      string         `json:"checksum"`
	Count         int            `json:"count"`
	LastUpdate    *time.Time     `json:"lastUpdate"`
	PerTypeCounts *PerTypeCounts `json:"perTypeCounts"`
}

// emptyDatasetChecksum is SHA-256("[]") in lowercase hex, the fixed value for an empty set.
var emptyDatasetChecksum = sha256Hex([]byte("[]"))

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Compute produces the canonical checksum and meta tuple for a dataset.
// now is used as the empty-set lastUpdate value (server time of computation).
func Compute(items []Item, now time.Time) (Meta, error) {
	counts := &PerTypeCounts{}
	if len(items) == 0 {
		return Meta{Checksum: emptyDatasetChecksum, Count: 0, LastUpdate: &now, PerTypeCounts: counts}, nil
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecordID < sorted[j].RecordID })

	elements := make([]interface{}, 0, len(sorted))
	var lastUpdate time.Time
	for _, it := range sorted {
		data, err := canonicalizeRawJSON(it.Data)
		if err != nil {
			return Meta{}, err
		}
		elements = append(elements, map[string]interface{}{
			"recordId":   it.RecordID,
			"recordType": string(it.RecordType),
			"data":       data,
			"version":    it.Version,
			"deleted":    false,
			"updatedAt":  it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		switch it.RecordType {
		case model.RecordTypeBookmark:
			counts.Bookmarks++
		case model.RecordTypeSpace:
			counts.Spaces++
		case model.RecordTypePinnedView:
			counts.PinnedViews++
		}
		if it.UpdatedAt.After(lastUpdate) {
			lastUpdate = it.UpdatedAt
		}
	}

	encoded, err := json.Marshal(elements)
	if err != nil {
		return Meta{}, err
	}

	return Meta{
		Checksum:      sha256Hex(encoded),
		Count:         len(sorted),
		LastUpdate:    &lastUpdate,
		PerTypeCounts: counts,
	}, nil
}

// canonicalizeRawJSON decodes raw into a generic tree using json.Number so
// numeric literals keep their original textual form, making re-marshaling
// deterministic and independent of the source struct's field order
// (encoding/json always emits map[string]interface{} keys sorted alphabetically).
func canonicalizeRawJSON(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
