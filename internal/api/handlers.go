package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/postflow-hq/postflow/internal/oauth"
	"github.com/postflow-hq/postflow/internal/platform"
	"github.com/postflow-hq/postflow/internal/store"
	"github.com/postflow-hq/postflow/internal/tokencipher"
)

// handleHealth answers liveness probes.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// handleAuthorize starts an authorization flow and returns the provider URL
// the frontend should redirect the browser to.
func (s *Server) handleAuthorize(c *gin.Context) {
	p, ok := platform.Parse(c.Param("platform"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}
	projectID := c.Query("projectId")
	userID := c.Query("userId")
	if projectID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and userId are required"})
		return
	}

	result, err := s.orchestrator.BeginAuthorization(c.Request.Context(), p, userID, projectID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": p,
		"auth_url": result.AuthURL,
		"state":    result.State,
	})
}

// callbackRequest is the body the frontend posts after the provider redirect.
type callbackRequest struct {
	Platform         string `json:"platform" binding:"required"`
	Code             string `json:"code"`
	State            string `json:"state" binding:"required"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// handleCallback completes an authorization flow. When the provider redirected
// back with an error instead of a code, the state is still consumed so it
// cannot be replayed, and the provider's error is relayed to the frontend.
func (s *Server) handleCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, ok := platform.Parse(req.Platform)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}

	if req.Error != "" {
		if err := s.orchestrator.CancelAuthorization(c.Request.Context(), req.State, p); err != nil {
			s.writeError(c, err)
			return
		}
		log.Warnf("api: provider denied authorization platform=%s error=%s", p, req.Error)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "authorization denied by provider",
			"provider_error":    req.Error,
			"error_description": req.ErrorDescription,
		})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	result, err := s.orchestrator.HandleCallback(c.Request.Context(), req.Code, req.State, p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": true,
		"platform":  result.Platform,
		"username":  result.Username,
	})
}

// handleToken returns a currently valid access token, refreshing it first when
// needed. This endpoint is for trusted internal callers; the response carries
// the decrypted token.
func (s *Server) handleToken(c *gin.Context) {
	p, ok := platform.Parse(c.Param("platform"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}
	projectID := c.Param("projectId")

	token, err := s.orchestrator.ValidToken(c.Request.Context(), p, projectID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"platform":     token.Platform,
		"project_id":   token.ProjectID,
		"access_token": token.AccessToken,
		"scope":        token.Scope,
	}
	if token.RefreshToken != "" {
		resp["refresh_token"] = token.RefreshToken
	}
	if !token.ExpiresAt.IsZero() {
		resp["expires_at"] = token.ExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// disconnectRequest names the connection to remove.
type disconnectRequest struct {
	Platform  string `json:"platform" binding:"required"`
	ProjectID string `json:"projectId" binding:"required"`
}

// handleDisconnect removes a stored connection. Disconnecting a platform that
// was never connected succeeds; the outcome is the same.
func (s *Server) handleDisconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p, ok := platform.Parse(req.Platform)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}

	if err := s.orchestrator.Disconnect(c.Request.Context(), p, req.ProjectID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true, "platform": p})
}

// connectionView is the wire form of one connection; token material never
// appears here.
type connectionView struct {
	Platform  platform.Platform `json:"platform"`
	Username  string            `json:"username,omitempty"`
	Scope     string            `json:"scope,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty"`
}

// handleConnections lists the platforms connected to a project.
func (s *Server) handleConnections(c *gin.Context) {
	projectID := c.Param("projectId")

	connections, err := s.orchestrator.Connections(c.Request.Context(), projectID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	views := make([]connectionView, 0, len(connections))
	for _, conn := range connections {
		view := connectionView{
			Platform: conn.Platform,
			Username: conn.Username,
			Scope:    conn.Scope,
		}
		if !conn.ExpiresAt.IsZero() {
			view.ExpiresAt = conn.ExpiresAt.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "connections": views})
}

// writeError translates flow errors into HTTP responses. Provider bodies are
// relayed for exchange failures; everything else gets a stable message so
// internals never leak.
func (s *Server) writeError(c *gin.Context, err error) {
	var configErr *oauth.ConfigError
	var exchangeErr *oauth.ExchangeError

	switch {
	case errors.Is(err, oauth.ErrConfigMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform is not configured"})
	case errors.As(err, &configErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "platform configuration incomplete",
			"missing": configErr.Missing,
		})
	case errors.Is(err, oauth.ErrConfigIncomplete):
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform configuration incomplete"})
	case errors.Is(err, oauth.ErrInvalidOrExpiredState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired state"})
	case errors.Is(err, oauth.ErrPlatformMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform does not match authorization state"})
	case errors.As(err, &exchangeErr):
		log.WithError(err).Warn("api: token exchange failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "token exchange failed",
			"platform": exchangeErr.Platform,
			"status":   exchangeErr.StatusCode,
			"details":  exchangeErr.Body,
		})
	case errors.Is(err, oauth.ErrTokenExchangeFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
	case errors.Is(err, oauth.ErrTokenExpiredNoRefresh):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired, re-authorization required"})
	case errors.Is(err, store.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no connection found"})
	case errors.Is(err, tokencipher.ErrDecryptionFailed):
		log.WithError(err).Error("api: stored token could not be decrypted")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored credential is unreadable"})
	default:
		log.WithError(err).Error("api: internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
