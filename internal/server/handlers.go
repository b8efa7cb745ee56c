package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anji4cp/streamnexus/internal/auth"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// streamFor loads the stream named by :id and checks the caller owns it.
func (r *Router) streamFor(c *gin.Context) (stream.Stream, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeErrCode(c, http.StatusBadRequest, "invalid stream id")
		return stream.Stream{}, false
	}
	st, err := r.records.GetStream(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return stream.Stream{}, false
	}
	if err := auth.CanAccess(auth.ClaimsFrom(c), st.UserID); err != nil {
		writeErr(c, err)
		return stream.Stream{}, false
	}
	return st, true
}

func (r *Router) rotationFor(c *gin.Context) (stream.Rotation, bool) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeErrCode(c, http.StatusBadRequest, "invalid rotation id")
		return stream.Rotation{}, false
	}
	rot, err := r.records.GetRotation(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return stream.Rotation{}, false
	}
	if err := auth.CanAccess(auth.ClaimsFrom(c), rot.UserID); err != nil {
		writeErr(c, err)
		return stream.Rotation{}, false
	}
	return rot, true
}

// requireAdmin guards endpoints that span every user's streams.
func requireAdmin(c *gin.Context) bool {
	if cl := auth.ClaimsFrom(c); cl != nil && !cl.Admin {
		writeErr(c, stream.ErrNotAuthorized)
		return false
	}
	return true
}

func (r *Router) handleStartStream(c *gin.Context) {
	st, ok := r.streamFor(c)
	if !ok {
		return
	}
	if err := r.app.StartStream(c.Request.Context(), st.ID); err != nil {
		r.log.Warn("start stream failed", "stream", st.ID, "error", err)
		writeErr(c, err)
		return
	}
	writeOK(c, gin.H{"id": st.ID, "status": stream.StatusLive})
}

func (r *Router) handleStopStream(c *gin.Context) {
	st, ok := r.streamFor(c)
	if !ok {
		return
	}
	if err := r.app.StopStream(c.Request.Context(), st.ID); err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, gin.H{"id": st.ID, "status": stream.StatusOffline})
}

func (r *Router) handleStreamStatus(c *gin.Context) {
	st, ok := r.streamFor(c)
	if !ok {
		return
	}
	writeOK(c, gin.H{"stream": st, "active": r.app.IsStreamActive(st.ID)})
}

func (r *Router) handleStreamLogs(c *gin.Context) {
	st, ok := r.streamFor(c)
	if !ok {
		return
	}
	n := 0
	if v := c.Query("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeErrCode(c, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		n = parsed
	}
	lines, found := r.app.GetStreamLogs(st.ID)
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if lines == nil {
		lines = []string{}
	}
	writeOK(c, gin.H{"id": st.ID, "lines": lines, "active": r.app.IsStreamActive(st.ID), "retained": found})
}

func (r *Router) handleRotation(c *gin.Context) {
	rot, ok := r.rotationFor(c)
	if !ok {
		return
	}
	writeOK(c, gin.H{"rotation": rot})
}

func (r *Router) rotationAction(do func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		rot, ok := r.rotationFor(c)
		if !ok {
			return
		}
		if err := do(c.Request.Context(), rot.ID); err != nil {
			writeErr(c, err)
			return
		}
		writeOK(c, gin.H{"id": rot.ID})
	}
}

func (r *Router) handleSync(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	res, err := r.app.SyncStreamStatuses(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeOK(c, gin.H{"result": res})
}

func (r *Router) handleActive(c *gin.Context) {
	if !requireAdmin(c) {
		return
	}
	writeOK(c, gin.H{"encoders": r.app.ActiveEncoders()})
}
