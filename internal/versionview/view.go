// Package versionview turns a raw version listing into the shape the review
// UI consumes: search filtering, multi-stage sorting, pagination and filter
// suggestions. All functions are pure over the input slice.
package versionview

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ponolab/pono/backend/internal/tracking"
)

// Sort keys accepted by Apply/SortVersions.
const (
	SortByVersionName = "version_name"
	SortByCreatedAt   = "created_at"
	SortByShotRound   = "shot_rnum"
	SortByShotName    = "shot_name"
	SortByAssetName   = "asset_name"

	SortOrderDesc = "desc"
)

// SearchFilter is one search-bar predicate from the client.
type SearchFilter struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Request bundles the view parameters for one listing call.
type Request struct {
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
	Filters   []SearchFilter
}

// Result is the processed page plus the metadata the UI needs. Present
// entity types and suggestions are derived from the full listing, not the
// filtered page.
type Result struct {
	Versions           []tracking.VersionRecord `json:"versions"`
	PresentEntityTypes []string                 `json:"presentEntityTypes"`
	Suggestions        map[string][]string      `json:"suggestions"`
	TotalPages         int                      `json:"total_pages"`
	CurrentPage        int                      `json:"current_page"`
	TotalVersions      int                      `json:"total_versions"`
}

// Process applies filtering, sorting and pagination and extracts the view
// metadata.
func Process(all []tracking.VersionRecord, req Request) Result {
	filtered := ApplyFilters(all, req.Filters)
	sorted := SortVersions(filtered, req.SortBy, req.SortOrder)

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	total := len(sorted)
	totalPages := (total + pageSize - 1) / pageSize

	return Result{
		Versions:           paginate(sorted, page, pageSize),
		PresentEntityTypes: PresentEntityTypes(all),
		Suggestions:        Suggestions(all),
		TotalPages:         totalPages,
		CurrentPage:        page,
		TotalVersions:      total,
	}
}

// sortKey extracts the primary comparison value for one record; ok=false
// means the record has no value for this key and sorts last.
func sortKey(version *tracking.VersionRecord, sortBy string) (string, bool) {
	entityType := ""
	if version.Entity != nil {
		entityType = version.Entity.Type
	}
	switch sortBy {
	case SortByVersionName:
		return version.Code, version.Code != ""
	case SortByCreatedAt:
		if version.CreatedAt == nil {
			return "", false
		}
		return version.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000"), true
	case SortByShotRound:
		if entityType != "Shot" || version.ShotRoundNumber == nil {
			return "", false
		}
		return padNumber(*version.ShotRoundNumber), true
	case SortByShotName:
		if entityType != "Shot" || version.Entity == nil {
			return "", false
		}
		return version.Entity.Name, true
	case SortByAssetName:
		if entityType != "Asset" || version.Entity == nil {
			return "", false
		}
		return version.Entity.Name, true
	default:
		return "", false
	}
}

// SortVersions orders the listing by the requested key. Records without a
// value for the key always sort after those with one, whatever the
// direction; shot_*/asset_* keys get a secondary stable pass pulling the
// matching entity type to the front.
func SortVersions(versions []tracking.VersionRecord, sortBy, sortOrder string) []tracking.VersionRecord {
	reverse := sortOrder == SortOrderDesc

	withValue := make([]tracking.VersionRecord, 0, len(versions))
	withoutValue := make([]tracking.VersionRecord, 0)
	keys := make(map[int64]string, len(versions))
	for _, version := range versions {
		key, ok := sortKey(&version, sortBy)
		if !ok {
			withoutValue = append(withoutValue, version)
			continue
		}
		keys[version.ID] = key
		withValue = append(withValue, version)
	}

	sort.SliceStable(withValue, func(i, j int) bool {
		if reverse {
			return keys[withValue[i].ID] > keys[withValue[j].ID]
		}
		return keys[withValue[i].ID] < keys[withValue[j].ID]
	})
	merged := append(withValue, withoutValue...)

	primaryType := ""
	if strings.HasPrefix(sortBy, "shot_") {
		primaryType = "Shot"
	} else if strings.HasPrefix(sortBy, "asset_") {
		primaryType = "Asset"
	}
	if primaryType != "" {
		sort.SliceStable(merged, func(i, j int) bool {
			return typeRank(&merged[i], primaryType) < typeRank(&merged[j], primaryType)
		})
	}
	return merged
}

func typeRank(version *tracking.VersionRecord, primaryType string) int {
	if version.Entity != nil && version.Entity.Type == primaryType {
		return 0
	}
	return 1
}

// padNumber renders an int64 so lexicographic order matches numeric order.
// The value is shifted into unsigned space so negatives order correctly too.
func padNumber(value int64) string {
	return fmt.Sprintf("%020d", uint64(value)+1<<63)
}

// ApplyFilters keeps the records matching every search-bar predicate.
func ApplyFilters(versions []tracking.VersionRecord, filters []SearchFilter) []tracking.VersionRecord {
	if len(filters) == 0 {
		return versions
	}
	filtered := make([]tracking.VersionRecord, 0, len(versions))
	for _, version := range versions {
		if matchesAll(&version, filters) {
			filtered = append(filtered, version)
		}
	}
	return filtered
}

func matchesAll(version *tracking.VersionRecord, filters []SearchFilter) bool {
	for _, filter := range filters {
		needle := strings.ToLower(filter.Value)
		switch filter.Type {
		case "Version":
			if !strings.Contains(strings.ToLower(version.Code), needle) {
				return false
			}
		case "Tag":
			if !containsName(version.Tags, needle) {
				return false
			}
		case "Playlist":
			if !containsName(version.Playlists, needle) {
				return false
			}
		case "Subject":
			if !containsSubject(version.Notes, needle) {
				return false
			}
		case "Shot", "Asset":
			if version.Entity == nil || version.Entity.Type != filter.Type ||
				!strings.Contains(strings.ToLower(version.Entity.Name), needle) {
				return false
			}
		case "Task":
			if version.Task == nil || !strings.Contains(strings.ToLower(version.Task.Name), needle) {
				return false
			}
		}
	}
	return true
}

func containsName(refs []tracking.NamedRef, needle string) bool {
	for _, ref := range refs {
		if strings.Contains(strings.ToLower(ref.Name), needle) {
			return true
		}
	}
	return false
}

func containsSubject(notes []tracking.NoteRecord, needle string) bool {
	for _, note := range notes {
		if note.Subject != "" && strings.Contains(strings.ToLower(note.Subject), needle) {
			return true
		}
	}
	return false
}

// PresentEntityTypes lists the distinct entity types appearing in the
// listing.
func PresentEntityTypes(versions []tracking.VersionRecord) []string {
	seen := make(map[string]struct{})
	types := make([]string, 0, 2)
	for _, version := range versions {
		if version.Entity == nil || version.Entity.Type == "" {
			continue
		}
		if _, ok := seen[version.Entity.Type]; ok {
			continue
		}
		seen[version.Entity.Type] = struct{}{}
		types = append(types, version.Entity.Type)
	}
	sort.Strings(types)
	return types
}

// Suggestions extracts the sorted candidate values for every search-bar
// filter type from the full listing.
func Suggestions(versions []tracking.VersionRecord) map[string][]string {
	buckets := map[string]map[string]struct{}{
		"Task": {}, "Shot": {}, "Asset": {}, "Tag": {},
		"Playlist": {}, "Subject": {}, "Version": {},
	}
	add := func(bucket, value string) {
		if value != "" {
			buckets[bucket][value] = struct{}{}
		}
	}

	for _, version := range versions {
		add("Version", version.Code)
		for _, tag := range version.Tags {
			add("Tag", tag.Name)
		}
		for _, playlist := range version.Playlists {
			add("Playlist", playlist.Name)
		}
		if version.Entity != nil && (version.Entity.Type == "Shot" || version.Entity.Type == "Asset") {
			add(version.Entity.Type, version.Entity.Name)
		}
		for _, note := range version.Notes {
			add("Subject", note.Subject)
		}
		if version.Task != nil {
			add("Task", version.Task.Name)
		}
	}

	suggestions := make(map[string][]string, len(buckets))
	for bucket, values := range buckets {
		sorted := make([]string, 0, len(values))
		for value := range values {
			sorted = append(sorted, value)
		}
		sort.Strings(sorted)
		suggestions[bucket] = sorted
	}
	return suggestions
}

func paginate(versions []tracking.VersionRecord, page, pageSize int) []tracking.VersionRecord {
	start := (page - 1) * pageSize
	if start >= len(versions) {
		return []tracking.VersionRecord{}
	}
	end := start + pageSize
	if end > len(versions) {
		end = len(versions)
	}
	return versions[start:end]
}
