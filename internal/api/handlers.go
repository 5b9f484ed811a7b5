package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/chrome"
	"github.com/autocrawlerHQ/browserhub/internal/execute"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"sessions":   s.sessions.Count(),
		"live_peers": s.gateway.Live().Count(),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) handleKill(c *gin.Context) {
	id := c.Param("sessionId")
	if err := s.sessions.CloseByID(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleJSONList(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.ListForDiscovery(c.Request.Context(), s.cfg.ExternalHost))
}

func (s *Server) handleJSONVersion(c *gin.Context) {
	v, err := s.sessions.VersionForDiscovery(c.Request.Context(), s.cfg.ExternalHost)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live sessions"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

// handleJSONNew mirrors the vendor PUT /json/new: launch a session, open a
// tab at the requested URL, and return its discovery record. The session
// gets the default lease so it survives until picked up over the debugger
// URL or killed.
func (s *Server) handleJSONNew(c *gin.Context) {
	ctx := c.Request.Context()
	opts, feats := s.launchParams(c)

	sess, err := s.sessions.Request(ctx, "", opts, feats)
	if err != nil {
		s.launchError(c, err)
		return
	}

	if _, err := s.sessions.KeepAlive(sess.ID(), s.cfg.DefaultTimeout.Milliseconds()); err != nil {
		s.sessions.Close(sess)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	target, err := sess.NewTarget(ctx, c.Query("url"))
	if err != nil {
		s.sessions.Close(sess)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, t := range s.sessions.ListForDiscovery(ctx, s.cfg.ExternalHost) {
		if t.ID == target.ID {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	c.JSON(http.StatusOK, session.DiscoveryTarget{
		ID:                   target.ID,
		SessionID:            sess.ID(),
		Type:                 target.Type,
		URL:                  target.URL,
		WebSocketDebuggerURL: session.PageDebuggerURL(s.cfg.ExternalHost, target.ID),
	})
}

// handleJSONProtocol passes the vendor protocol descriptor through from
// any live session's own endpoint.
func (s *Server) handleJSONProtocol(c *gin.Context) {
	sessions := s.sessions.List()
	if len(sessions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live sessions"})
		return
	}

	sess, err := s.sessions.Get(sessions[0].ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live sessions"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, sess.HTTPBase()+"/json/protocol", nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	c.Header("Content-Type", "application/json")
	io.Copy(c.Writer, resp.Body)
}

func (s *Server) handleActivate(c *gin.Context) {
	targetID := c.Param("targetId")
	sess, target, err := s.sessions.FindByPage(c.Request.Context(), targetID)
	if err != nil {
		c.String(http.StatusNotFound, "No such target id: %s", targetID)
		return
	}
	if err := sess.ActivateTarget(c.Request.Context(), target.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, "Target activated")
}

func (s *Server) handleCloseTarget(c *gin.Context) {
	targetID := c.Param("targetId")
	sess, target, err := s.sessions.FindByPage(c.Request.Context(), targetID)
	if err != nil {
		c.String(http.StatusNotFound, "No such target id: %s", targetID)
		return
	}
	if err := sess.CloseTarget(c.Request.Context(), target.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, "Target is closing")
}

type extendRequest struct {
	MS int64 `json:"ms" binding:"required"`
}

// handleExtendSession moves a session's expiry forward. This is the same
// operation the HeadlessService.keepAlive command performs in-band.
func (s *Server) handleExtendSession(c *gin.Context) {
	id := c.Param("sessionId")

	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MS <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ms must be a positive integer"})
		return
	}

	deadline, err := s.sessions.KeepAlive(id, req.MS)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"expiresAt":    deadline.Format(time.RFC3339),
		"reconnectUrl": session.BrowserDebuggerURL(s.cfg.ExternalHost, id),
	})
}

type executeRequest struct {
	Code      string `json:"code" binding:"required"`
	SessionID string `json:"session_id"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// handleExecute serves POST /execute and /function: compile the submitted
// script, run its Handler against a page, return {data} or {error, stack}.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	ctx := c.Request.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	opts, feats := s.launchParams(c)
	res, err := s.runner.Run(ctx, execute.Request{
		Script:    req.Code,
		SessionID: req.SessionID,
		Options:   opts,
		Features:  feats,
	})
	if err != nil {
		switch {
		case errors.Is(err, execute.ErrNoHandler), errors.Is(err, execute.ErrForbiddenImport):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrTooManySessions):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	if res.Error != "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error, "stack": res.Stack})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res.Data})
}

// launchParams derives launch options and feature flags from the request
// query, on top of the configured defaults.
func (s *Server) launchParams(c *gin.Context) (chrome.LaunchOptions, chrome.Features) {
	opts := chrome.LaunchOptions{
		Headless: s.cfg.Headless,
		Devtools: qBool(c, "devtools"),
	}
	feats := chrome.Features{
		Stealth:  qBool(c, "stealth"),
		BlockAds: qBool(c, "blockAds"),
		Unblock:  qBool(c, "unblock"),
		Record:   qBool(c, "record"),
		ProxyURL: c.Query("proxy"),
	}
	return opts, feats
}

func qBool(c *gin.Context, key string) bool {
	switch c.Query(key) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func (s *Server) launchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		s.log.Error("session launch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
