// Package tracking is the boundary to the external production-tracking
// service. The service is a black box answering generic find/summarize
// queries with semi-structured records; this package narrows those records
// into the typed shapes the rest of the backend consumes.
package tracking

import (
	"encoding/json"
	"time"
)

// Record is the raw semi-structured row returned by the service, keyed by
// field name. It only exists at the boundary; core code works with the typed
// structs below.
type Record map[string]any

// Filter is one find() predicate: field, relation, value(s).
type Filter struct {
	Field  string `json:"field"`
	Op     string `json:"op"`
	Values []any  `json:"values"`
}

// Is builds an equality filter.
func Is(field string, value any) Filter {
	return Filter{Field: field, Op: "is", Values: []any{value}}
}

// IsNot builds a negated equality filter.
func IsNot(field string, value any) Filter {
	return Filter{Field: field, Op: "is_not", Values: []any{value}}
}

// In builds a membership filter.
func In(field string, values ...any) Filter {
	return Filter{Field: field, Op: "in", Values: values}
}

// SummaryGroup is one summarize() group row.
type SummaryGroup struct {
	Name  string `json:"group_name"`
	Value any    `json:"group_value"`
	Count int64  `json:"count"`
}

// EntityRef references the entity a version was rendered for (Shot, Asset...).
type EntityRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserRef references a tracking-service user.
type UserRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NamedRef is a generic id+name reference (tags, playlists, tasks).
type NamedRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NoteRecord is one published note attached to a version upstream.
type NoteRecord struct {
	Subject   string     `json:"subject"`
	Content   string     `json:"content"`
	User      *UserRef   `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// VersionRecord is the typed view of one external version row. Light fetches
// leave Image empty and Notes nil; the heavy phase fills them in place.
// Fields the core never consumes stay in Extra as a raw passthrough.
type VersionRecord struct {
	ID              int64        `json:"id"`
	Code            string       `json:"code"`
	CreatedAt       *time.Time   `json:"created_at,omitempty"`
	Status          string       `json:"sg_status_list,omitempty"`
	User            *UserRef     `json:"user,omitempty"`
	Task            *NamedRef    `json:"sg_task,omitempty"`
	Entity          *EntityRef   `json:"entity,omitempty"`
	Tags            []NamedRef   `json:"tags,omitempty"`
	Playlists       []NamedRef   `json:"playlists,omitempty"`
	ShotRoundNumber *int64       `json:"shot_rnum,omitempty"`
	Image           string       `json:"image,omitempty"`
	Notes           []NoteRecord `json:"notes,omitempty"`
	GroupLeaders    []UserRef    `json:"group_leaders"`
	Extra           Record       `json:"extra,omitempty"`
}

// ThumbnailRecord is one heavy-phase thumbnail row.
type ThumbnailRecord struct {
	ID    int64  `json:"id"`
	Image string `json:"image"`
}

// UserInfo is the identity of the authenticated tracking-service user.
type UserInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
}

// ProjectRecord is one project row from the tracking service.
type ProjectRecord struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// --- raw record accessors ---

func (r Record) int64Field(key string) (int64, bool) {
	switch value := r[key].(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case float64:
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func (r Record) stringField(key string) string {
	value, _ := r[key].(string)
	return value
}

func (r Record) timeField(key string) *time.Time {
	switch value := r[key].(type) {
	case time.Time:
		return &value
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, value); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

func (r Record) refField(key string) Record {
	nested, _ := r[key].(map[string]any)
	if nested == nil {
		return nil
	}
	return Record(nested)
}

func (r Record) refListField(key string) []Record {
	raw, _ := r[key].([]any)
	refs := make([]Record, 0, len(raw))
	for _, item := range raw {
		if nested, ok := item.(map[string]any); ok {
			refs = append(refs, Record(nested))
		}
	}
	return refs
}

func (r Record) userRef(key string) *UserRef {
	nested := r.refField(key)
	if nested == nil {
		return nil
	}
	id, ok := nested.int64Field("id")
	if !ok {
		return nil
	}
	return &UserRef{ID: id, Name: nested.stringField("name")}
}

func (r Record) namedRef(key string) *NamedRef {
	nested := r.refField(key)
	if nested == nil {
		return nil
	}
	id, _ := nested.int64Field("id")
	return &NamedRef{ID: id, Name: nested.stringField("name")}
}

func (r Record) namedRefList(key string) []NamedRef {
	nested := r.refListField(key)
	if len(nested) == 0 {
		return nil
	}
	refs := make([]NamedRef, 0, len(nested))
	for _, item := range nested {
		id, _ := item.int64Field("id")
		refs = append(refs, NamedRef{ID: id, Name: item.stringField("name")})
	}
	return refs
}

// versionFromRecord narrows a raw version row to the typed shape, keeping the
// untouched raw map as the escape hatch.
func versionFromRecord(raw Record) VersionRecord {
	id, _ := raw.int64Field("id")
	version := VersionRecord{
		ID:           id,
		Code:         raw.stringField("code"),
		CreatedAt:    raw.timeField("created_at"),
		Status:       raw.stringField("sg_status_list"),
		User:         raw.userRef("user"),
		Task:         raw.namedRef("sg_task"),
		Tags:         raw.namedRefList("tags"),
		Playlists:    raw.namedRefList("playlists"),
		GroupLeaders: []UserRef{},
		Extra:        raw,
	}
	if entity := raw.refField("entity"); entity != nil {
		entityID, _ := entity.int64Field("id")
		version.Entity = &EntityRef{
			Type: entity.stringField("type"),
			ID:   entityID,
			Name: entity.stringField("name"),
		}
	}
	if rnum, ok := raw.int64Field("entity.Shot.sg_rnum"); ok {
		version.ShotRoundNumber = &rnum
	}
	return version
}
