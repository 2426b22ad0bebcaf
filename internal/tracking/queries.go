package tracking

import (
	"context"
	"fmt"
	"sort"
)

var lightweightVersionFields = []string{
	"id", "code", "created_at", "tags", "playlists",
	"project",
	"sg_status_list", "user", "sg_task", "entity",
	"sg_task.Task.step",
	"sg_task.Task.due_date",
	"sg_task.Task.sg_status_list",
	"entity.Shot.sg_status_list",
	"entity.Shot.sg_end_date",
	"entity.Shot.sg_rnum",
	"entity.Asset.sg_status_list",
}

// GetLightweightVersions fetches the cheap version listing for a project,
// filtered by pipeline step unless step is "All". Thumbnails and notes are
// deliberately excluded; the heavy phase merges them in later.
func GetLightweightVersions(ctx context.Context, qs QueryService, projectID int64, pipelineStep string) ([]VersionRecord, error) {
	filters := []Filter{
		Is("project", Record{"type": "Project", "id": projectID}),
	}
	if pipelineStep != "All" {
		filters = append(filters, Is("sg_task.Task.step.Step.code", pipelineStep))
	}

	rows, err := qs.Find(ctx, "Version", filters, lightweightVersionFields)
	if err != nil {
		return nil, err
	}
	versions := make([]VersionRecord, 0, len(rows))
	for _, row := range rows {
		versions = append(versions, versionFromRecord(row))
	}
	return versions, nil
}

// GetThumbnailsByIDs fetches thumbnail urls for the given version ids in one
// call.
func GetThumbnailsByIDs(ctx context.Context, qs QueryService, versionIDs []int64) ([]ThumbnailRecord, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	rows, err := qs.Find(ctx, "Version", []Filter{In("id", toAnySlice(versionIDs)...)}, []string{"id", "image"})
	if err != nil {
		return nil, err
	}
	thumbnails := make([]ThumbnailRecord, 0, len(rows))
	for _, row := range rows {
		id, ok := row.int64Field("id")
		if !ok {
			continue
		}
		thumbnails = append(thumbnails, ThumbnailRecord{ID: id, Image: row.stringField("image")})
	}
	return thumbnails, nil
}

// GetNotesByIDs fetches every published note linked to the given versions and
// groups them per version id, newest first.
func GetNotesByIDs(ctx context.Context, qs QueryService, versionIDs []int64) (map[int64][]NoteRecord, error) {
	noteMap := make(map[int64][]NoteRecord, len(versionIDs))
	if len(versionIDs) == 0 {
		return noteMap, nil
	}

	links := make([]any, 0, len(versionIDs))
	for _, id := range versionIDs {
		links = append(links, Record{"type": "Version", "id": id})
	}
	rows, err := qs.Find(ctx, "Note",
		[]Filter{In("note_links", links...)},
		[]string{"content", "user", "created_at", "subject", "note_links"})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		note := NoteRecord{
			Subject:   row.stringField("subject"),
			Content:   row.stringField("content"),
			User:      row.userRef("user"),
			CreatedAt: row.timeField("created_at"),
		}
		for _, link := range row.refListField("note_links") {
			versionID, ok := link.int64Field("id")
			if !ok {
				continue
			}
			noteMap[versionID] = append(noteMap[versionID], note)
		}
	}

	for versionID := range noteMap {
		notes := noteMap[versionID]
		sort.SliceStable(notes, func(i, j int) bool {
			left, right := notes[i].CreatedAt, notes[j].CreatedAt
			if left == nil || right == nil {
				return right == nil && left != nil
			}
			return left.After(*right)
		})
	}
	return noteMap, nil
}

// GetGroupLeadersForArtists resolves, for each artist id, the leader-role
// users of every group the artist belongs to. One batched group lookup and
// one batched leader lookup regardless of the artist count.
func GetGroupLeadersForArtists(ctx context.Context, qs QueryService, artistIDs []int64) (map[int64][]UserRef, error) {
	result := make(map[int64][]UserRef, len(artistIDs))
	if len(artistIDs) == 0 {
		return result, nil
	}

	artistSet := make(map[int64]struct{}, len(artistIDs))
	seenLeaders := make(map[int64]map[int64]struct{}, len(artistIDs))
	artistRefs := make([]any, 0, len(artistIDs))
	for _, id := range artistIDs {
		result[id] = []UserRef{}
		artistSet[id] = struct{}{}
		seenLeaders[id] = make(map[int64]struct{})
		artistRefs = append(artistRefs, Record{"type": "HumanUser", "id": id})
	}

	groups, err := qs.Find(ctx, "Group", []Filter{In("users", artistRefs...)}, []string{"users"})
	if err != nil {
		return nil, err
	}

	memberIDs := make(map[int64]struct{})
	for _, group := range groups {
		for _, member := range group.refListField("users") {
			if id, ok := member.int64Field("id"); ok {
				memberIDs[id] = struct{}{}
			}
		}
	}
	if len(memberIDs) == 0 {
		return result, nil
	}

	leaders, err := qs.Find(ctx, "HumanUser",
		[]Filter{
			In("id", toAnySlice(keysOf(memberIDs))...),
			Is("permission_rule_set.PermissionRuleSet.code", "leader"),
		},
		[]string{"id", "name"})
	if err != nil {
		return nil, err
	}
	leaderByID := make(map[int64]UserRef, len(leaders))
	for _, row := range leaders {
		if id, ok := row.int64Field("id"); ok {
			leaderByID[id] = UserRef{ID: id, Name: row.stringField("name")}
		}
	}

	for _, group := range groups {
		var groupLeaders []UserRef
		var groupArtists []int64
		for _, member := range group.refListField("users") {
			id, ok := member.int64Field("id")
			if !ok {
				continue
			}
			if leader, ok := leaderByID[id]; ok {
				groupLeaders = append(groupLeaders, leader)
			}
			if _, ok := artistSet[id]; ok {
				groupArtists = append(groupArtists, id)
			}
		}
		for _, artistID := range groupArtists {
			for _, leader := range groupLeaders {
				if _, dup := seenLeaders[artistID][leader.ID]; dup {
					continue
				}
				seenLeaders[artistID][leader.ID] = struct{}{}
				result[artistID] = append(result[artistID], leader)
			}
		}
	}
	return result, nil
}

// GetProjects lists the projects visible to the session, excluding archived,
// restricted and template entries.
func GetProjects(ctx context.Context, qs QueryService) ([]ProjectRecord, error) {
	rows, err := qs.Find(ctx, "Project",
		[]Filter{
			Is("archived", false),
			Is("sg_restricted_user", false),
			Is("is_template", false),
		},
		[]string{"id", "name"})
	if err != nil {
		return nil, err
	}
	projects := make([]ProjectRecord, 0, len(rows))
	for _, row := range rows {
		id, ok := row.int64Field("id")
		if !ok {
			continue
		}
		projects = append(projects, ProjectRecord{ID: id, Name: row.stringField("name")})
	}
	return projects, nil
}

// GetPipelineSteps summarizes the project's tasks by step and returns the
// distinct step names that have at least one task, sorted.
func GetPipelineSteps(ctx context.Context, qs QueryService, projectID int64) ([]string, error) {
	groups, err := qs.Summarize(ctx, "Task",
		[]Filter{
			Is("project", Record{"type": "Project", "id": projectID}),
			IsNot("step", nil),
		},
		"step")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(groups))
	steps := make([]string, 0, len(groups))
	for _, group := range groups {
		if group.Name == "" || group.Count == 0 || group.Value == nil {
			continue
		}
		if _, dup := seen[group.Name]; dup {
			continue
		}
		seen[group.Name] = struct{}{}
		steps = append(steps, group.Name)
	}
	sort.Strings(steps)
	return steps, nil
}

// GetUserByLogin resolves the tracking-service identity for a login.
func GetUserByLogin(ctx context.Context, qs QueryService, login string) (*UserInfo, error) {
	rows, err := qs.Find(ctx, "HumanUser",
		[]Filter{Is("login", login)},
		[]string{"id", "name", "login", "email"})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("tracking: no user with login %q", login)
	}
	row := rows[0]
	id, ok := row.int64Field("id")
	if !ok {
		return nil, fmt.Errorf("tracking: user record for %q has no id", login)
	}
	return &UserInfo{
		ID:    id,
		Name:  row.stringField("name"),
		Login: row.stringField("login"),
		Email: row.stringField("email"),
	}, nil
}

func toAnySlice(values []int64) []any {
	out := make([]any, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	return out
}

func keysOf(set map[int64]struct{}) []int64 {
	keys := make([]int64, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
