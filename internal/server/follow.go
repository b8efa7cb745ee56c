package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/anji4cp/streamnexus/internal/process"
)

const writeWait = 5 * time.Second

// handleFollowLogs upgrades to a websocket and sends one text message per encoder
// output line. It starts with the lines already held and closes with a normal
// close frame when the encoder goes away.
func (r *Router) handleFollowLogs(c *gin.Context) {
	st, ok := r.streamFor(c)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade failures already wrote a response
		r.log.Debug("log follow upgrade failed", "stream", st.ID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var (
		ring *process.Ring
		seq  uint64
	)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		cur, running := r.app.FollowStreamLogs(st.ID)
		if !running {
			r.closeFeed(conn, "encoder not running")
			return
		}
		if cur != ring {
			// a restarted encoder has a fresh ring
			ring, seq = cur, 0
		}
		var lines []string
		lines, seq = ring.Since(seq)
		for _, line := range lines {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Router) closeFeed(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
