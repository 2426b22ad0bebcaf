// Package versioncache is the two-phase read-through cache for expensive
// external version listings. The light phase stores the cheap listing under a
// (project, step) key; the heavy phase merges thumbnails and notes into the
// cached records in place. Single-process, in-memory, fixed TTL.
package versioncache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ponolab/pono/backend/internal/tracking"
)

// TTL is the fixed freshness window measured from entry creation. No sliding
// expiration, no per-key override.
const TTL = 600 * time.Second

// ErrClientGone signals that the originating client disconnected while the
// fetch was in flight. The fetched result is discarded, the cache untouched,
// and the caller must produce no response. Never surfaced to clients.
var ErrClientGone = errors.New("versioncache: client disconnected, result discarded")

// Key addresses one cache entry. PipelineStep "All" means unfiltered.
type Key struct {
	ProjectID    int64
	PipelineStep string
}

// LightFetch produces the cheap version listing on a cache miss.
type LightFetch func(ctx context.Context) ([]tracking.VersionRecord, error)

// LeaderFetch resolves group leaders for the unique uploader ids of a fetched
// listing, one batched call for the whole result set.
type LeaderFetch func(ctx context.Context, artistIDs []int64) (map[int64][]tracking.UserRef, error)

// HeavyDetails carries the expensive second-phase data merged into an
// existing entry. Note map keys may arrive as string or integer ids.
type HeavyDetails struct {
	Thumbnails []tracking.ThumbnailRecord       `json:"thumbnails"`
	Notes      map[string][]tracking.NoteRecord `json:"notes"`
}

type entry struct {
	timestamp time.Time
	data      []tracking.VersionRecord
}

// Manager owns every VersionCacheEntry. All map access is serialized behind
// one mutex; the expensive fetch itself runs outside it.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	clock   func() time.Time
	logger  *zap.Logger
}

// ManagerConfig describes optional Manager dependencies.
type ManagerConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewManager constructs an empty cache manager.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		entries: make(map[Key]*entry),
		clock:   clock,
		logger:  logger,
	}
}

// GetOrCreate returns the cached listing when useCache is set and the entry
// is fresh. Otherwise it runs fetchLight, annotates each record with the
// group leaders of its uploader (one batched fetchLeaders call across the
// whole result), then checks alive exactly once before publishing: a dead
// client yields ErrClientGone and the cache stays untouched. The returned
// slice is the caller's own copy; later heavy merges never write into it.
func (m *Manager) GetOrCreate(ctx context.Context, key Key, fetchLight LightFetch, fetchLeaders LeaderFetch, useCache bool, alive func() bool) ([]tracking.VersionRecord, error) {
	if useCache {
		if data, ok := m.lookup(key); ok {
			m.logger.Debug("version cache hit",
				zap.Int64("project_id", key.ProjectID),
				zap.String("pipeline_step", key.PipelineStep))
			return data, nil
		}
	}

	m.logger.Debug("version cache miss, fetching lightweight data",
		zap.Int64("project_id", key.ProjectID),
		zap.String("pipeline_step", key.PipelineStep))

	versions, err := fetchLight(ctx)
	if err != nil {
		return nil, err
	}

	if len(versions) > 0 && fetchLeaders != nil {
		if err := annotateGroupLeaders(ctx, versions, fetchLeaders); err != nil {
			return nil, err
		}
	}

	if alive != nil && !alive() {
		m.logger.Info("client disconnected mid-fetch, discarding result",
			zap.Int64("project_id", key.ProjectID),
			zap.String("pipeline_step", key.PipelineStep))
		return nil, ErrClientGone
	}

	m.mu.Lock()
	m.entries[key] = &entry{timestamp: m.clock(), data: cloneRecords(versions)}
	m.mu.Unlock()
	return versions, nil
}

// UpdateWithHeavyDetails merges thumbnails and notes into the cached entry in
// place. Absent entries are a logged no-op (heavy data cannot create an
// entry); ids not present in the cached set are silently ignored. Applying
// the same payload twice is idempotent.
func (m *Manager) UpdateWithHeavyDetails(key Key, heavy HeavyDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.entries[key]
	if !ok {
		m.logger.Warn("heavy details arrived for missing cache entry",
			zap.Int64("project_id", key.ProjectID),
			zap.String("pipeline_step", key.PipelineStep))
		return
	}

	index := make(map[int64]*tracking.VersionRecord, len(cached.data))
	for i := range cached.data {
		index[cached.data[i].ID] = &cached.data[i]
	}

	for _, thumbnail := range heavy.Thumbnails {
		if record, ok := index[thumbnail.ID]; ok {
			record.Image = thumbnail.Image
		}
	}
	for rawID, notes := range heavy.Notes {
		versionID, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			continue
		}
		if record, ok := index[versionID]; ok {
			record.Notes = notes
		}
	}
}

// Invalidate drops the entry for a key, if any.
func (m *Manager) Invalidate(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Manager) lookup(key Key) ([]tracking.VersionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cached, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.clock().Sub(cached.timestamp) >= TTL {
		return nil, false
	}
	return cloneRecords(cached.data), true
}

// cloneRecords copies the record values so a handed-out slice never aliases
// the cached one. Heavy merges assign whole fields, so a shallow struct copy
// is enough to isolate readers from later merges.
func cloneRecords(records []tracking.VersionRecord) []tracking.VersionRecord {
	cloned := make([]tracking.VersionRecord, len(records))
	copy(cloned, records)
	return cloned
}

func annotateGroupLeaders(ctx context.Context, versions []tracking.VersionRecord, fetchLeaders LeaderFetch) error {
	artistSet := make(map[int64]struct{})
	for _, version := range versions {
		if version.User != nil {
			artistSet[version.User.ID] = struct{}{}
		}
	}
	if len(artistSet) == 0 {
		return nil
	}
	artistIDs := make([]int64, 0, len(artistSet))
	for id := range artistSet {
		artistIDs = append(artistIDs, id)
	}

	leadersByArtist, err := fetchLeaders(ctx, artistIDs)
	if err != nil {
		return err
	}
	for i := range versions {
		versions[i].GroupLeaders = []tracking.UserRef{}
		if versions[i].User == nil {
			continue
		}
		if leaders, ok := leadersByArtist[versions[i].User.ID]; ok && leaders != nil {
			versions[i].GroupLeaders = leaders
		}
	}
	return nil
}
