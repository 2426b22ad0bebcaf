// Package hub fans draft-note change payloads out to every live client
// watching a version. Topics are version ids; membership is the only state
// the hub owns, never message semantics.
package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is the capability one subscriber connection exposes to the hub. A
// failed send marks the connection dead and the hub drops it.
type Conn interface {
	SendText(payload []byte) error
}

// Hub maintains per-version subscriber sets and broadcasts serialized note
// payloads to them. Safe for concurrent subscribe/unsubscribe/broadcast.
type Hub struct {
	mu     sync.Mutex
	topics map[int64]map[Conn]struct{}
	logger *zap.Logger
}

// New constructs an empty hub.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[int64]map[Conn]struct{}),
		logger: logger,
	}
}

// Subscribe registers conn under the version topic, creating it lazily.
func (h *Hub) Subscribe(conn Conn, versionID int64) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.topics[versionID]
	if !ok {
		subscribers = make(map[Conn]struct{})
		h.topics[versionID] = subscribers
	}
	subscribers[conn] = struct{}{}
}

// Unsubscribe removes conn from the version topic; an empty subscriber set
// removes the topic entry so the map never grows unbounded.
func (h *Hub) Unsubscribe(conn Conn, versionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn, versionID)
}

// Broadcast sends payload to every current subscriber of the version topic.
// The subscriber set is snapshotted under the lock and sends happen outside
// it, so a slow send never blocks membership changes and a concurrent
// unsubscribe never corrupts iteration. A failed send unsubscribes that
// connection and does not abort the remaining sends.
func (h *Hub) Broadcast(versionID int64, payload []byte) {
	h.mu.Lock()
	subscribers := h.topics[versionID]
	if len(subscribers) == 0 {
		h.mu.Unlock()
		return
	}
	snapshot := make([]Conn, 0, len(subscribers))
	for conn := range subscribers {
		snapshot = append(snapshot, conn)
	}
	h.mu.Unlock()

	for _, conn := range snapshot {
		if err := conn.SendText(payload); err != nil {
			h.logger.Debug("dropping subscriber after failed send",
				zap.Int64("version_id", versionID),
				zap.Error(err))
			h.mu.Lock()
			h.removeLocked(conn, versionID)
			h.mu.Unlock()
		}
	}
}

// SubscriberCount reports the current size of a topic's subscriber set.
func (h *Hub) SubscriberCount(versionID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[versionID])
}

func (h *Hub) removeLocked(conn Conn, versionID int64) {
	subscribers, ok := h.topics[versionID]
	if !ok {
		return
	}
	delete(subscribers, conn)
	if len(subscribers) == 0 {
		delete(h.topics, versionID)
	}
}
