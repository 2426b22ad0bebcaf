package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ponolab/pono/backend/internal/hub"
)

const writeDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API authenticates via token, not cookies, so cross-origin
	// upgrades carry no ambient credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps one websocket connection behind a write mutex so the hub and
// any control frames never interleave writes.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ hub.Conn = (*wsConn)(nil)

func (c *wsConn) SendText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// handleNoteSocket upgrades the request and subscribes the connection to the
// version topic until the peer goes away. Browsers cannot set headers on a
// websocket upgrade, so the backend token arrives as a query parameter.
func (h *httpHandler) handleNoteSocket(c *gin.Context) {
	versionID, ok := parseID(c, "version_id")
	if !ok {
		return
	}

	token := c.Query("token")
	if _, err := h.tokens.ValidateToken(token); err != nil {
		h.logger.Warn("websocket token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &wsConn{conn: socket}
	h.hub.Subscribe(conn, versionID)
	defer func() {
		h.hub.Unsubscribe(conn, versionID)
		socket.Close()
	}()

	// Receive-only loop: clients send nothing meaningful, the reads just
	// detect disconnects and answer control frames.
	for {
		if _, _, err := socket.ReadMessage(); err != nil {
			return
		}
	}
}
