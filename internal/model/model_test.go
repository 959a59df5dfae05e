package model_test

import (
	"testing"

	"github.com/chirino/bookmarksync/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestBookmarkValidate(t *testing.T) {
	valid := model.Bookmark{ID: "b-1", Title: "GitHub", URL: "https://github.com", Tags: []string{"dev"}}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name string
		b    model.Bookmark
	}{
		{"empty id", model.Bookmark{Title: "GitHub", URL: "https://github.com"}},
		{"short title", model.Bookmark{ID: "b-1", Title: "ab", URL: "https://github.com"}},
		{"long title", model.Bookmark{ID: "b-1", Title: string(make([]byte, 201)), URL: "https://github.com"}},
		{"bad scheme", model.Bookmark{ID: "b-1", Title: "GitHub", URL: "ftp://github.com"}},
		{"unparseable url", model.Bookmark{ID: "b-1", Title: "GitHub", URL: "://::not a url"}},
		{"too many tags", model.Bookmark{ID: "b-1", Title: "GitHub", URL: "https://github.com", Tags: make([]string, 21)}},
		{"empty tag", model.Bookmark{ID: "b-1", Title: "GitHub", URL: "https://github.com", Tags: []string{""}}},
		{"bad color", model.Bookmark{ID: "b-1", Title: "GitHub", URL: "https://github.com", Color: "chartreuse"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.b.Validate())
		})
	}
}

func TestSpaceValidate(t *testing.T) {
	assert.NoError(t, (&model.Space{ID: model.PersonalSpaceID, Name: "Personal"}).Validate())
	assert.Error(t, (&model.Space{Name: "Personal"}).Validate())
	assert.Error(t, (&model.Space{ID: "s-1"}).Validate())
}

func TestPinnedViewValidate(t *testing.T) {
	v := model.PinnedView{ID: "v-1", Name: "Recent", SpaceID: model.AllSpacesID, Sort: model.SortNewest}
	assert.NoError(t, v.Validate())
	assert.Equal(t, "all", v.TagFilter)

	bad := model.PinnedView{ID: "v-1", Name: "Recent", SpaceID: model.AllSpacesID, Sort: "bogus"}
	assert.Error(t, bad.Validate())
}

func TestRecordTypeValid(t *testing.T) {
	assert.True(t, model.RecordTypeBookmark.Valid())
	assert.True(t, model.RecordTypeSpace.Valid())
	assert.True(t, model.RecordTypePinnedView.Valid())
	assert.False(t, model.RecordType("unknown").Valid())
}
