package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_DecisionTable(t *testing.T) {
	empty := Dataset{}
	nonEmpty := Dataset{Bookmarks: []Item{{ID: "a"}}}

	require.Equal(t, Decision{Action: ActionNone}, Evaluate(empty, empty))
	require.Equal(t, Decision{Action: ActionApplyRemote}, Evaluate(empty, nonEmpty))
	require.Equal(t, Decision{Action: ActionPushLocal}, Evaluate(nonEmpty, empty))
	require.Equal(t, Decision{Action: ActionResolve, RequiresStrategy: true}, Evaluate(nonEmpty, nonEmpty))
}

func TestResolve_LocalWinsAndCloudWins(t *testing.T) {
	local := Dataset{Bookmarks: []Item{{ID: "local"}}}
	remote := Dataset{Bookmarks: []Item{{ID: "remote"}}}

	got, err := Resolve(StrategyLocalWins, local, remote)
	require.NoError(t, err)
	require.Equal(t, local, got)

	got, err = Resolve(StrategyCloudWins, local, remote)
	require.NoError(t, err)
	require.Equal(t, remote, got)
}

func TestResolve_Merge_DeduplicatesByNormalizedURLKeepingNewer(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := Dataset{Bookmarks: []Item{
		{ID: "l1", Data: []byte(`{"url":"https://www.Example.com/Path/"}`), CreatedAt: older},
	}}
	remote := Dataset{Bookmarks: []Item{
		{ID: "r1", Data: []byte(`{"url":"https://example.com/Path"}`), CreatedAt: newer},
		{ID: "r2", Data: []byte(`{"url":"https://other.example.com/"}`), CreatedAt: newer},
	}}

	merged, err := Resolve(StrategyMerge, local, remote)
	require.NoError(t, err)
	require.Len(t, merged.Bookmarks, 2, "l1 and r1 dedupe to one, r2 is distinct")

	var keptIDs []string
	for _, it := range merged.Bookmarks {
		keptIDs = append(keptIDs, it.ID)
	}
	require.Contains(t, keptIDs, "r1", "the newer of the colliding pair must survive")
	require.Contains(t, keptIDs, "r2")
	require.NotContains(t, keptIDs, "l1")
}

func TestResolve_Merge_SpaceDedupeByTrimmedLowercaseName(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	local := Dataset{Spaces: []Item{{ID: "l1", Data: []byte(`{"name":" Work "}`), CreatedAt: older}}}
	remote := Dataset{Spaces: []Item{{ID: "r1", Data: []byte(`{"name":"work"}`), CreatedAt: newer}}}

	merged, err := Resolve(StrategyMerge, local, remote)
	require.NoError(t, err)
	require.Len(t, merged.Spaces, 1)
	require.Equal(t, "r1", merged.Spaces[0].ID)
}

func TestResolve_Merge_PinnedViewDedupeBySpaceAndName(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := Dataset{PinnedViews: []Item{
		{ID: "l1", Data: []byte(`{"spaceId":"personal","name":"Reading"}`), CreatedAt: t1},
	}}
	remote := Dataset{PinnedViews: []Item{
		{ID: "r1", Data: []byte(`{"spaceId":"work","name":"Reading"}`), CreatedAt: t1},
	}}

	merged, err := Resolve(StrategyMerge, local, remote)
	require.NoError(t, err)
	require.Len(t, merged.PinnedViews, 2, "same name in different spaces must not collide")
}

func TestResolve_UnknownStrategy(t *testing.T) {
	_, err := Resolve(Strategy("bogus"), Dataset{}, Dataset{})
	require.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://www.example.com/path/":    "example.com/path",
		"https://example.com/path":         "example.com/path",
		"http://EXAMPLE.com":               "example.com",
		"https://example.com/a?x=1":        "example.com/a?x=1",
		"https://example.com/a/?x=1":       "example.com/a?x=1",
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeURL(in), in)
	}
}
