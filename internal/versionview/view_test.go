package versionview

import (
	"reflect"
	"testing"
	"time"

	"github.com/ponolab/pono/backend/internal/tracking"
)

func shotVersion(id int64, code, shotName string, rnum int64) tracking.VersionRecord {
	return tracking.VersionRecord{
		ID:              id,
		Code:            code,
		Entity:          &tracking.EntityRef{Type: "Shot", ID: id * 10, Name: shotName},
		ShotRoundNumber: &rnum,
	}
}

func assetVersion(id int64, code, assetName string) tracking.VersionRecord {
	return tracking.VersionRecord{
		ID:     id,
		Code:   code,
		Entity: &tracking.EntityRef{Type: "Asset", ID: id * 10, Name: assetName},
	}
}

func ids(versions []tracking.VersionRecord) []int64 {
	out := make([]int64, 0, len(versions))
	for _, version := range versions {
		out = append(out, version.ID)
	}
	return out
}

func TestSortByVersionName(t *testing.T) {
	input := []tracking.VersionRecord{
		{ID: 1, Code: "sh020_comp_v002"},
		{ID: 2, Code: "sh010_comp_v001"},
		{ID: 3, Code: "sh015_anim_v003"},
	}

	ascending := SortVersions(input, SortByVersionName, "asc")
	if got := ids(ascending); !reflect.DeepEqual(got, []int64{2, 3, 1}) {
		t.Fatalf("ascending order wrong: %v", got)
	}

	descending := SortVersions(input, SortByVersionName, SortOrderDesc)
	if got := ids(descending); !reflect.DeepEqual(got, []int64{1, 3, 2}) {
		t.Fatalf("descending order wrong: %v", got)
	}
}

func TestSortMissingValuesAlwaysLast(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	input := []tracking.VersionRecord{
		{ID: 1},
		{ID: 2, CreatedAt: &early},
		{ID: 3, CreatedAt: &late},
	}

	ascending := SortVersions(input, SortByCreatedAt, "asc")
	if got := ids(ascending); !reflect.DeepEqual(got, []int64{2, 3, 1}) {
		t.Fatalf("missing created_at must sort last ascending: %v", got)
	}
	descending := SortVersions(input, SortByCreatedAt, SortOrderDesc)
	if got := ids(descending); !reflect.DeepEqual(got, []int64{3, 2, 1}) {
		t.Fatalf("missing created_at must sort last descending: %v", got)
	}
}

func TestSortByShotRoundPullsShotsFirst(t *testing.T) {
	input := []tracking.VersionRecord{
		assetVersion(1, "prop_chair_v001", "chair"),
		shotVersion(2, "sh020_comp_v001", "sh020", 12),
		shotVersion(3, "sh010_comp_v001", "sh010", 3),
		{ID: 4, Code: "orphan_v001"},
	}

	sorted := SortVersions(input, SortByShotRound, "asc")
	got := ids(sorted)
	if !reflect.DeepEqual(got, []int64{3, 2, 1, 4}) {
		t.Fatalf("expected shots ordered by round then non-shots, got %v", got)
	}
}

func TestSortByShotRoundComparesNumerically(t *testing.T) {
	input := []tracking.VersionRecord{
		shotVersion(1, "sh030_comp_v001", "sh030", 100),
		shotVersion(2, "sh020_comp_v001", "sh020", 2),
		shotVersion(3, "sh010_comp_v001", "sh010", 10),
	}

	ascending := SortVersions(input, SortByShotRound, "asc")
	if got := ids(ascending); !reflect.DeepEqual(got, []int64{2, 3, 1}) {
		t.Fatalf("rounds must compare numerically ascending, got %v", got)
	}
	descending := SortVersions(input, SortByShotRound, SortOrderDesc)
	if got := ids(descending); !reflect.DeepEqual(got, []int64{1, 3, 2}) {
		t.Fatalf("rounds must compare numerically descending, got %v", got)
	}
}

func TestPadNumberOrdersAcrossSigns(t *testing.T) {
	values := []int64{-12, -3, 0, 3, 12}
	for i := 1; i < len(values); i++ {
		if padNumber(values[i-1]) >= padNumber(values[i]) {
			t.Fatalf("padNumber(%d) must sort before padNumber(%d)", values[i-1], values[i])
		}
	}
}

func TestSortByAssetName(t *testing.T) {
	input := []tracking.VersionRecord{
		shotVersion(1, "sh010_comp_v001", "sh010", 1),
		assetVersion(2, "prop_chair_v001", "chair"),
		assetVersion(3, "char_alien_v001", "alien"),
	}

	sorted := SortVersions(input, SortByAssetName, "asc")
	got := ids(sorted)
	if !reflect.DeepEqual(got, []int64{3, 2, 1}) {
		t.Fatalf("expected assets alphabetical then the shot, got %v", got)
	}
}

func TestApplyFiltersMatchesCaseInsensitiveSubstrings(t *testing.T) {
	input := []tracking.VersionRecord{
		{
			ID:   1,
			Code: "sh010_comp_v001",
			Tags: []tracking.NamedRef{{ID: 1, Name: "Approved"}},
			Task: &tracking.NamedRef{ID: 5, Name: "Compositing"},
		},
		{
			ID:        2,
			Code:      "sh020_anim_v003",
			Playlists: []tracking.NamedRef{{ID: 2, Name: "Dailies Monday"}},
			Notes:     []tracking.NoteRecord{{Subject: "Client feedback round 2"}},
		},
	}

	cases := []struct {
		name    string
		filters []SearchFilter
		want    []int64
	}{
		{"by version code", []SearchFilter{{Type: "Version", Value: "COMP"}}, []int64{1}},
		{"by tag", []SearchFilter{{Type: "Tag", Value: "approved"}}, []int64{1}},
		{"by playlist", []SearchFilter{{Type: "Playlist", Value: "dailies"}}, []int64{2}},
		{"by subject", []SearchFilter{{Type: "Subject", Value: "feedback"}}, []int64{2}},
		{"by task", []SearchFilter{{Type: "Task", Value: "comp"}}, []int64{1}},
		{"conjunction", []SearchFilter{{Type: "Version", Value: "sh0"}, {Type: "Tag", Value: "approved"}}, []int64{1}},
		{"no match", []SearchFilter{{Type: "Version", Value: "lighting"}}, []int64{}},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got := ids(ApplyFilters(input, testCase.filters))
			if len(got) == 0 && len(testCase.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestApplyFiltersByEntity(t *testing.T) {
	input := []tracking.VersionRecord{
		shotVersion(1, "sh010_comp_v001", "sh010", 1),
		assetVersion(2, "prop_chair_v001", "chair"),
	}

	shots := ApplyFilters(input, []SearchFilter{{Type: "Shot", Value: "sh01"}})
	if len(shots) != 1 || shots[0].ID != 1 {
		t.Fatalf("shot filter wrong: %v", ids(shots))
	}
	// A shot filter must not match an asset with a similar name.
	none := ApplyFilters(input, []SearchFilter{{Type: "Shot", Value: "chair"}})
	if len(none) != 0 {
		t.Fatalf("shot filter matched an asset: %v", ids(none))
	}
}

func TestProcessPaginatesAfterFilterAndSort(t *testing.T) {
	input := []tracking.VersionRecord{
		{ID: 1, Code: "sh010_comp_v001"},
		{ID: 2, Code: "sh010_comp_v002"},
		{ID: 3, Code: "sh010_comp_v003"},
		{ID: 4, Code: "sh010_anim_v001"},
		{ID: 5, Code: "sh010_comp_v004"},
	}

	result := Process(input, Request{
		Page:      2,
		PageSize:  2,
		SortBy:    SortByVersionName,
		SortOrder: "asc",
		Filters:   []SearchFilter{{Type: "Version", Value: "comp"}},
	})

	if result.TotalVersions != 4 {
		t.Fatalf("expected 4 filtered versions, got %d", result.TotalVersions)
	}
	if result.TotalPages != 2 || result.CurrentPage != 2 {
		t.Fatalf("unexpected paging %d/%d", result.CurrentPage, result.TotalPages)
	}
	if got := ids(result.Versions); !reflect.DeepEqual(got, []int64{3, 5}) {
		t.Fatalf("unexpected page content %v", got)
	}
}

func TestProcessPageBeyondEndIsEmpty(t *testing.T) {
	result := Process([]tracking.VersionRecord{{ID: 1, Code: "a"}}, Request{Page: 9, PageSize: 10})
	if len(result.Versions) != 0 {
		t.Fatalf("expected empty page, got %v", ids(result.Versions))
	}
	if result.TotalVersions != 1 {
		t.Fatalf("totals must reflect the listing, got %d", result.TotalVersions)
	}
}

func TestPresentEntityTypes(t *testing.T) {
	input := []tracking.VersionRecord{
		shotVersion(1, "a", "sh010", 1),
		shotVersion(2, "b", "sh020", 2),
		assetVersion(3, "c", "chair"),
		{ID: 4, Code: "d"},
	}
	got := PresentEntityTypes(input)
	if !reflect.DeepEqual(got, []string{"Asset", "Shot"}) {
		t.Fatalf("unexpected entity types %v", got)
	}
}

func TestSuggestionsAreDistinctAndSorted(t *testing.T) {
	input := []tracking.VersionRecord{
		{
			ID:   1,
			Code: "sh010_comp_v001",
			Tags: []tracking.NamedRef{{Name: "wip"}, {Name: "approved"}},
			Task: &tracking.NamedRef{Name: "Compositing"},
		},
		{
			ID:   2,
			Code: "sh020_comp_v001",
			Tags: []tracking.NamedRef{{Name: "approved"}},
		},
	}
	suggestions := Suggestions(input)

	if !reflect.DeepEqual(suggestions["Tag"], []string{"approved", "wip"}) {
		t.Fatalf("tag suggestions wrong: %v", suggestions["Tag"])
	}
	if !reflect.DeepEqual(suggestions["Version"], []string{"sh010_comp_v001", "sh020_comp_v001"}) {
		t.Fatalf("version suggestions wrong: %v", suggestions["Version"])
	}
	if !reflect.DeepEqual(suggestions["Task"], []string{"Compositing"}) {
		t.Fatalf("task suggestions wrong: %v", suggestions["Task"])
	}
	if len(suggestions["Shot"]) != 0 || len(suggestions["Playlist"]) != 0 {
		t.Fatalf("empty buckets must stay empty: %v", suggestions)
	}
}
