package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/bookmarksync/internal/model"
)

func fmtSscanf(s string, i *int) (int, error) {
	return fmt.Sscanf(s, "%d", i)
}

func parseCursor(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &t, nil
}

func marshalData(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// validatePayload re-decodes the generic payload into its typed struct and
// runs the record kind's Validate, enforcing the invariants of §3 before the
// row ever reaches the store.
func validatePayload(recordType model.RecordType, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	switch recordType {
	case model.RecordTypeBookmark:
		var b model.Bookmark
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		return b.Validate()
	case model.RecordTypeSpace:
		var s model.Space
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		return s.Validate()
	case model.RecordTypePinnedView:
		var v model.PinnedView
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return v.Validate()
	default:
		return fmt.Errorf("unknown record type %q", recordType)
	}
}
