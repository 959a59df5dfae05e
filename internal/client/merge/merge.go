// Package merge implements the first-sign-in reconciliation between a local
// and a remote dataset (§4.8): union, local-wins, and cloud-wins strategies
// with per-kind deduplication rules.
package merge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chirino/bookmarksync/internal/model"
)

// Strategy selects how a non-empty/non-empty conflict is resolved.
type Strategy string

const (
	StrategyMerge     Strategy = "merge"
	StrategyLocalWins Strategy = "local-wins"
	StrategyCloudWins Strategy = "cloud-wins"
)

// Item is one record as seen by the merge engine, carrying enough metadata
// to dedupe and to break ties by creation time.
type Item struct {
	ID         string
	RecordType model.RecordType
	Data       json.RawMessage
	CreatedAt  time.Time
	// SyncVersion is 0 when the record has never been acknowledged by the
	// server; re-enqueued items after a merge carry this value forward.
	SyncVersion int64
}

// Dataset groups the three record kinds, matching §4.8's {bookmarks, spaces, pinnedViews}.
type Dataset struct {
	Bookmarks   []Item
	Spaces      []Item
	PinnedViews []Item
}

func (d Dataset) isEmpty() bool {
	return len(d.Bookmarks) == 0 && len(d.Spaces) == 0 && len(d.PinnedViews) == 0
}

// Decision is the outcome of evaluating the decision table: either no
// action is needed, a one-sided dataset should be applied/pushed as-is, or
// a strategy is required from the caller (the UI, via RequiresStrategy).
type Decision struct {
	Action            Action
	RequiresStrategy  bool
}

// Action names what the caller should do once a Decision (or a resolved
// strategy) is known.
type Action string

const (
	ActionNone        Action = "none"
	ActionApplyRemote Action = "apply-remote"
	ActionPushLocal   Action = "push-local"
	ActionResolve     Action = "resolve" // requires a Strategy from the caller
)

// Evaluate applies the decision table of §4.8 to local/remote presence.
func Evaluate(local, remote Dataset) Decision {
	switch {
	case local.isEmpty() && remote.isEmpty():
		return Decision{Action: ActionNone}
	case local.isEmpty() && !remote.isEmpty():
		return Decision{Action: ActionApplyRemote}
	case !local.isEmpty() && remote.isEmpty():
		return Decision{Action: ActionPushLocal}
	default:
		return Decision{Action: ActionResolve, RequiresStrategy: true}
	}
}

// Resolve applies strategy to a both-non-empty conflict and returns the
// dataset that should be written to local storage and re-enqueued for push.
func Resolve(strategy Strategy, local, remote Dataset) (Dataset, error) {
	switch strategy {
	case StrategyLocalWins:
		return local, nil
	case StrategyCloudWins:
		return remote, nil
	case StrategyMerge:
		return Dataset{
			Bookmarks:   mergeKind(local.Bookmarks, remote.Bookmarks, dedupeKeyBookmark),
			Spaces:      mergeKind(local.Spaces, remote.Spaces, dedupeKeySpace),
			PinnedViews: mergeKind(local.PinnedViews, remote.PinnedViews, dedupeKeyPinnedView),
		}, nil
	default:
		return Dataset{}, errUnknownStrategy(strategy)
	}
}

type errUnknownStrategy Strategy

func (e errUnknownStrategy) Error() string { return "merge: unknown strategy: " + string(e) }

// mergeKind unions local and remote items of one kind, deduplicating by key
// and keeping the newer item (by CreatedAt) on collision.
func mergeKind(local, remote []Item, keyOf func(Item) string) []Item {
	byKey := map[string]Item{}
	order := []string{}
	add := func(it Item) {
		k := keyOf(it)
		existing, ok := byKey[k]
		if !ok {
			byKey[k] = it
			order = append(order, k)
			return
		}
		if it.CreatedAt.After(existing.CreatedAt) {
			byKey[k] = it
		}
	}
	for _, it := range local {
		add(it)
	}
	for _, it := range remote {
		add(it)
	}
	out := make([]Item, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// bookmarkURL is the subset of Bookmark fields the dedupe key needs.
type bookmarkURL struct {
	URL string `json:"url"`
}

// dedupeKeyBookmark normalizes a bookmark's URL per §4.8:
// lower(hostname without leading "www.") + pathname without trailing "/" + search.
func dedupeKeyBookmark(it Item) string {
	var b bookmarkURL
	if err := json.Unmarshal(it.Data, &b); err != nil {
		return it.ID
	}
	return normalizeURL(b.URL)
}

func normalizeURL(raw string) string {
	rest := raw
	if idx := strings.Index(raw, "://"); idx >= 0 {
		rest = raw[idx+3:]
	}
	host := rest
	pathAndQuery := ""
	if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
		host = rest[:idx]
		pathAndQuery = rest[idx:]
	}
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")

	path := pathAndQuery
	search := ""
	if idx := strings.Index(pathAndQuery, "?"); idx >= 0 {
		path = pathAndQuery[:idx]
		search = pathAndQuery[idx:]
	}
	path = strings.TrimSuffix(path, "/")
	return host + path + search
}

type spaceName struct {
	Name string `json:"name"`
}

func dedupeKeySpace(it Item) string {
	var s spaceName
	if err := json.Unmarshal(it.Data, &s); err != nil {
		return it.ID
	}
	return strings.ToLower(strings.TrimSpace(s.Name))
}

type pinnedViewFields struct {
	SpaceID string `json:"spaceId"`
	Name    string `json:"name"`
}

func dedupeKeyPinnedView(it Item) string {
	var v pinnedViewFields
	if err := json.Unmarshal(it.Data, &v); err != nil {
		return it.ID
	}
	return v.SpaceID + ":" + strings.ToLower(strings.TrimSpace(v.Name))
}
