package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/access"
	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	queryUser  = "user"
	queryApp   = "app"
	queryToken = "token"
)

// handleEvents streams accepted submissions of one user as server-sent events.
// EventSource clients cannot set headers, so the token may also travel in the query.
func (h *httpHandler) handleEvents(c *gin.Context) {
	claimedUser := c.Query(queryUser)
	credentials := access.Credentials{
		Identity:   c.GetHeader(HeaderUser),
		Credential: c.GetHeader(HeaderToken),
	}
	if credentials.Identity == "" {
		credentials.Identity = claimedUser
	}
	if credentials.Credential == "" {
		credentials.Credential = c.Query(queryToken)
	}
	if !h.authorizeCredentials(c, credentials, claimedUser) {
		return
	}
	userID, err := scope.NewUserID(claimedUser)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return
	}
	appFilter := ""
	if rawApp := c.Query(queryApp); rawApp != "" {
		appID, err := scope.NewAppID(rawApp)
		if err != nil {
			h.rejectMalformed(c, validationCode(err), err)
			return
		}
		appFilter = appID.String()
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, userID.String(), appFilter)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("user_id", userID.String()), zap.String("app_id", appFilter))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"user":      message.UserID,
				"app":       message.AppID,
				"position":  message.Position,
				"timestamp": message.Timestamp.Format(time.RFC3339Nano),
				"source":    realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC().Format(time.RFC3339Nano),
				"source":    realtimeSourceBackend,
			})
			return true
		}
	})
}
