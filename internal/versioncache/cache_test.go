package versioncache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/ponolab/pono/backend/internal/tracking"
)

type fetchCounter struct {
	calls    int
	versions []tracking.VersionRecord
	err      error
}

func (f *fetchCounter) fetch(context.Context) ([]tracking.VersionRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.versions, nil
}

func newTestManager(start time.Time) (*Manager, *time.Time) {
	now := start
	manager := NewManager(ManagerConfig{Clock: func() time.Time { return now }})
	return manager, &now
}

func userRef(id int64) *tracking.UserRef {
	return &tracking.UserRef{ID: id, Name: "artist"}
}

func noLeaders(context.Context, []int64) (map[int64][]tracking.UserRef, error) {
	return map[int64][]tracking.UserRef{}, nil
}

func alwaysAlive() bool { return true }

func TestGetOrCreateCachesAndServesFreshEntries(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42, Code: "sh010_comp_v001"}}}

	first, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if fetcher.calls != 1 {
		t.Fatalf("expected one fetch, got %d", fetcher.calls)
	}
	if len(first) != 1 || len(second) != 1 || second[0].ID != 42 {
		t.Fatalf("unexpected results %v / %v", first, second)
	}
}

func TestGetOrCreateBypassesCacheOnRequest(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "All"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}

	for i := 0; i < 2; i++ {
		if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, false, alwaysAlive); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if fetcher.calls != 2 {
		t.Fatalf("useCache=false must refetch, got %d calls", fetcher.calls)
	}
}

func TestEntryExpiresExactlyAtTTL(t *testing.T) {
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	manager, now := newTestManager(start)
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}

	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	*now = start.Add(TTL - time.Second)
	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("pre-expiry call failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("entry just under TTL must still serve, got %d fetches", fetcher.calls)
	}

	*now = start.Add(TTL)
	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("post-expiry call failed: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("entry at exactly TTL must be stale, got %d fetches", fetcher.calls)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	compFetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}
	animFetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 43}}}

	comp := Key{ProjectID: 3, PipelineStep: "Compositing"}
	anim := Key{ProjectID: 3, PipelineStep: "Animation"}

	if _, err := manager.GetOrCreate(context.Background(), comp, compFetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("comp fetch failed: %v", err)
	}
	if _, err := manager.GetOrCreate(context.Background(), anim, animFetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("anim fetch failed: %v", err)
	}
	if compFetcher.calls != 1 || animFetcher.calls != 1 {
		t.Fatalf("each key fetches once, got %d/%d", compFetcher.calls, animFetcher.calls)
	}
}

func TestClientGoneDiscardsFetchedResult(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}

	_, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, func() bool { return false })
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected the fetch to run once, got %d", fetcher.calls)
	}

	// The discarded result must not have populated the cache.
	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("follow-up call failed: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected a refetch after discard, got %d calls", fetcher.calls)
	}
}

func TestFetchErrorLeavesCacheUntouched(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{err: errors.New("upstream down")}

	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	fetcher.err = nil
	fetcher.versions = []tracking.VersionRecord{{ID: 42}}
	versions, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("recovery call failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected fresh data after failure, got %v", versions)
	}
}

func TestGroupLeadersAnnotatedWithOneBatchedCall(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{
		{ID: 1, User: userRef(7)},
		{ID: 2, User: userRef(7)},
		{ID: 3, User: userRef(9)},
		{ID: 4},
	}}

	leaderCalls := 0
	var requested []int64
	fetchLeaders := func(_ context.Context, artistIDs []int64) (map[int64][]tracking.UserRef, error) {
		leaderCalls++
		requested = append([]int64(nil), artistIDs...)
		return map[int64][]tracking.UserRef{
			7: {{ID: 100, Name: "lead"}},
		}, nil
	}

	versions, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, fetchLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if leaderCalls != 1 {
		t.Fatalf("expected one batched leader call, got %d", leaderCalls)
	}
	sort.Slice(requested, func(i, j int) bool { return requested[i] < requested[j] })
	if len(requested) != 2 || requested[0] != 7 || requested[1] != 9 {
		t.Fatalf("expected unique uploader ids [7 9], got %v", requested)
	}

	for _, version := range versions {
		if version.GroupLeaders == nil {
			t.Fatalf("version %d must carry a non-nil leaders slice", version.ID)
		}
	}
	if len(versions[0].GroupLeaders) != 1 || versions[0].GroupLeaders[0].ID != 100 {
		t.Fatalf("unexpected leaders for version 1: %v", versions[0].GroupLeaders)
	}
	if len(versions[2].GroupLeaders) != 0 {
		t.Fatalf("artist without leaders must get empty slice, got %v", versions[2].GroupLeaders)
	}
	if len(versions[3].GroupLeaders) != 0 {
		t.Fatalf("version without uploader must get empty slice, got %v", versions[3].GroupLeaders)
	}
}

func TestHeavyDetailsMergeInPlace(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}, {ID: 43}}}

	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	heavy := HeavyDetails{
		Thumbnails: []tracking.ThumbnailRecord{
			{ID: 42, Image: "https://thumbs.example.com/42.jpg"},
			{ID: 999, Image: "https://thumbs.example.com/unknown.jpg"},
		},
		Notes: map[string][]tracking.NoteRecord{
			"43":      {{Subject: "client feedback"}},
			"999":     {{Subject: "for nobody"}},
			"garbage": {{Subject: "unparsable key"}},
		},
	}
	manager.UpdateWithHeavyDetails(key, heavy)
	// Applying the same payload twice must not change the outcome.
	manager.UpdateWithHeavyDetails(key, heavy)

	versions, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("heavy merge must not invalidate the entry, got %d fetches", fetcher.calls)
	}
	if versions[0].Image != "https://thumbs.example.com/42.jpg" {
		t.Fatalf("thumbnail not merged: %+v", versions[0])
	}
	if len(versions[1].Notes) != 1 || versions[1].Notes[0].Subject != "client feedback" {
		t.Fatalf("notes not merged: %+v", versions[1])
	}
	if versions[1].Image != "" || len(versions[0].Notes) != 0 {
		t.Fatalf("merge leaked across records: %+v", versions)
	}
}

func TestMergeDoesNotMutateHandedOutRecords(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}

	served, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	manager.UpdateWithHeavyDetails(key, HeavyDetails{
		Thumbnails: []tracking.ThumbnailRecord{{ID: 42, Image: "https://thumbs.example.com/42.jpg"}},
	})

	if served[0].Image != "" {
		t.Fatalf("merge reached a slice already handed out: %+v", served[0])
	}

	refreshed, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if refreshed[0].Image != "https://thumbs.example.com/42.jpg" {
		t.Fatalf("cached entry missed the merge: %+v", refreshed[0])
	}

	// Scribbling on a served slice must not corrupt the cached entry either.
	refreshed[0].Image = "scribbled"
	final, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("final read failed: %v", err)
	}
	if final[0].Image != "https://thumbs.example.com/42.jpg" {
		t.Fatalf("caller write leaked into the cache: %+v", final[0])
	}
}

func TestHeavyDetailsForMissingEntryIsNoOp(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	manager.UpdateWithHeavyDetails(Key{ProjectID: 3, PipelineStep: "Compositing"}, HeavyDetails{
		Thumbnails: []tracking.ThumbnailRecord{{ID: 42, Image: "x"}},
	})
	// Nothing to assert beyond "did not panic and did not create an entry".
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}
	versions, err := manager.GetOrCreate(context.Background(), Key{ProjectID: 3, PipelineStep: "Compositing"}, fetcher.fetch, noLeaders, true, alwaysAlive)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if versions[0].Image != "" {
		t.Fatal("heavy data must not survive without an entry")
	}
}

func TestInvalidateDropsEntry(t *testing.T) {
	manager, _ := newTestManager(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC))
	key := Key{ProjectID: 3, PipelineStep: "Compositing"}
	fetcher := &fetchCounter{versions: []tracking.VersionRecord{{ID: 42}}}

	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	manager.Invalidate(key)
	if _, err := manager.GetOrCreate(context.Background(), key, fetcher.fetch, noLeaders, true, alwaysAlive); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected refetch after invalidation, got %d", fetcher.calls)
	}
}
