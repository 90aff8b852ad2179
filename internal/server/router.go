package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/difflog/internal/access"
	"github.com/MarcoPoloResearchLab/difflog/internal/difflog"
	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"github.com/MarcoPoloResearchLab/difflog/internal/streamlog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderUser  = "X-Redis-Family-User"
	HeaderToken = "X-Redis-Family-Token"

	defaultHeartbeatInterval = 25 * time.Second

	errorUnauthorized   = "unauthorized"
	errorInvalidRequest = "invalid_request"
	errorNotFound       = "not_found"
)

var (
	errMissingGate       = errors.New("access gate dependency required")
	errMissingLogVariant = errors.New("exactly one of diff log or stream log is required")
)

// Authorizer decides whether a caller may act as the claimed user.
type Authorizer interface {
	Authorize(ctx context.Context, credentials access.Credentials, claimedUser string) (scope.UserID, error)
}

// Dependencies wires the handler. Exactly one of DiffLog and StreamLog is set.
type Dependencies struct {
	Gate              Authorizer
	DiffLog           *difflog.Service
	StreamLog         *streamlog.Service
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if (deps.DiffLog == nil) == (deps.StreamLog == nil) {
		return nil, errMissingLogVariant
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		gate:      deps.Gate,
		diffLog:   deps.DiffLog,
		streamLog: deps.StreamLog,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/events", handler.handleEvents)
	if handler.diffLog != nil {
		router.GET("/", usage("Post `{user, app, payload, opaque}` to here"))
		router.POST("/", handler.handleSubmit)
		router.GET("/do-i-have-the-latest", usage("Post `{user, app, opaque}` to here"))
		router.POST("/do-i-have-the-latest", handler.handleRank)
		router.POST("/tail", handler.handleTail)
		router.POST("/count", handler.handleCount)
		router.POST("/payload", handler.handlePayload)
	} else {
		router.GET("/", usage("Post `{user, app, payload}` to here"))
		router.POST("/", handler.handleAppend)
		router.GET("/since", usage("Post `{user, app, cursor, limit}` to here"))
		router.POST("/since", handler.handleSince)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", HeaderUser, HeaderToken},
		MaxAge:       12 * time.Hour,
	})
}

func usage(text string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, text)
	}
}

type httpHandler struct {
	gate      Authorizer
	diffLog   *difflog.Service
	streamLog *streamlog.Service
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

// scopeRequest carries the fields shared by every request body.
type scopeRequest struct {
	User string `json:"user"`
	App  string `json:"app"`
}

// bindScoped decodes the body, authorizes the caller against its user and
// validates the scope. An empty body decodes as an empty request so the gate
// still answers first. It writes the error response and returns false on failure.
func (h *httpHandler) bindScoped(c *gin.Context, request any, scoped func() scopeRequest) (scope.Scope, bool) {
	if err := c.ShouldBindJSON(request); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("request body rejected", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return scope.Scope{}, false
	}
	fields := scoped()
	if !h.authorize(c, fields.User) {
		return scope.Scope{}, false
	}
	sc, err := scope.New(fields.User, fields.App)
	if err != nil {
		h.rejectMalformed(c, validationCode(err), err)
		return scope.Scope{}, false
	}
	return sc, true
}

func (h *httpHandler) authorize(c *gin.Context, claimedUser string) bool {
	credentials := access.Credentials{
		Identity:   c.GetHeader(HeaderUser),
		Credential: c.GetHeader(HeaderToken),
	}
	return h.authorizeCredentials(c, credentials, claimedUser)
}

func (h *httpHandler) authorizeCredentials(c *gin.Context, credentials access.Credentials, claimedUser string) bool {
	_, err := h.gate.Authorize(c.Request.Context(), credentials, claimedUser)
	if err == nil {
		return true
	}
	if errors.Is(err, access.ErrDenied) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return false
	}
	h.logger.Error("authorization failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
	return false
}

func (h *httpHandler) rejectMalformed(c *gin.Context, code string, err error) {
	h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}

// respondServiceError maps service failures to 400 for malformed keys and 500 otherwise.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceCode interface{ Code() string }
	if errors.As(err, &serviceCode) {
		code = serviceCode.Code()
	}
	if errors.Is(err, store.ErrInvalidKey) || errors.Is(err, streamlog.ErrInvalidPayload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

func (h *httpHandler) publish(sc scope.Scope, position string) {
	h.realtime.Publish(RealtimeMessage{
		UserID:    sc.User.String(),
		AppID:     sc.App.String(),
		EventType: RealtimeEventSubmission,
		Position:  position,
		Timestamp: time.Now().UTC(),
	})
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, scope.ErrInvalidUserID):
		return "invalid_user"
	case errors.Is(err, scope.ErrInvalidAppID):
		return "invalid_app"
	case errors.Is(err, difflog.ErrInvalidOpaqueID):
		return "invalid_opaque"
	case errors.Is(err, difflog.ErrInvalidPayload), errors.Is(err, streamlog.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, store.ErrInvalidEntryID):
		return "invalid_cursor"
	default:
		return errorInvalidRequest
	}
}
