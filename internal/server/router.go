package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/apperr"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "notto_account_id"
	defaultHeartbeatInterval = 25 * time.Second
	eventWriteTimeout        = 5 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRemoteService = errors.New("remote service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates sync bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the sync server handler.
type Dependencies struct {
	TokenManager      TokenManager
	RemoteService     *remote.Service
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the sync server API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.RemoteService == nil {
		return nil, errMissingRemoteService
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
		tokens:    deps.TokenManager,
		remote:    deps.RemoteService,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/accounts", handler.handleCreateAccount)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes/push", handler.handlePush)
	protected.GET("/notes/changes", handler.handleChanges)
	protected.GET("/notes/events", handler.handleEvents)
	protected.GET("/notes/:id/history", handler.handleHistory)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	remote    *remote.Service
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateAccount(c *gin.Context) {
	var request remote.CredentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorPayload{Error: "invalid_request"})
		return
	}
	envelope := remote.KeyEnvelope{KeySalt: request.KeySalt, WrappedKey: request.WrappedKey}
	account, err := h.remote.CreateAccount(c.Request.Context(), request.Username, request.Password, envelope)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, remote.AccountPayload{AccountID: account.ID, Username: account.Username})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request remote.CredentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorPayload{Error: "invalid_request"})
		return
	}
	account, err := h.remote.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("failed to issue sync token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, remote.ErrorPayload{Error: "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, remote.TokenPayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		KeySalt:     account.KeySalt,
		WrappedKey:  account.WrappedKey,
	})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request remote.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorPayload{Error: "invalid_request"})
		return
	}

	changes := make([]remote.ChangeRequest, 0, len(request.Changes))
	for _, payload := range request.Changes {
		changes = append(changes, remote.ToChangeRequest(payload))
	}

	result, err := h.remote.ApplyChanges(c.Request.Context(), userID, request.Device, changes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response := remote.PushResponse{
		Results:   make([]remote.PushResult, 0, len(result.ChangeOutcomes)),
		LatestSeq: result.LatestSeq,
	}
	accepted := make([]string, 0, len(result.ChangeOutcomes))
	for _, outcome := range result.ChangeOutcomes {
		note := outcome.Outcome.UpdatedNote
		response.Results = append(response.Results, remote.PushResult{
			NoteID:   outcome.Change.NoteID,
			Accepted: outcome.Outcome.Accepted,
			Note:     remote.ToPayload(*note),
		})
		if outcome.Outcome.Accepted {
			accepted = append(accepted, outcome.Change.NoteID)
		}
	}

	if len(accepted) > 0 {
		h.realtime.Publish(RealtimeMessage{
			UserID:    userID,
			EventType: RealtimeEventNoteChanged,
			NoteIDs:   accepted,
			Device:    request.Device,
			LatestSeq: result.LatestSeq,
			Timestamp: time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	since, err := parseQueryInt(c, "since")
	if err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorPayload{Error: "invalid_since"})
		return
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorPayload{Error: "invalid_limit"})
		return
	}

	page, err := h.remote.ListChanges(c.Request.Context(), userID, since, int(limit))
	if err != nil {
		h.writeError(c, err)
		return
	}

	response := remote.ChangesResponse{
		Notes:     make([]remote.NotePayload, 0, len(page.Notes)),
		NextSince: page.NextSince,
		HasMore:   page.HasMore,
	}
	for _, note := range page.Notes {
		response.Notes = append(response.Notes, remote.ToPayload(note))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	noteID := c.Param("id")

	history, err := h.remote.ListHistory(c.Request.Context(), userID, noteID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response := remote.HistoryResponse{
		NoteID:  strings.TrimSpace(noteID),
		Changes: make([]remote.NoteChangePayload, 0, len(history)),
	}
	for _, change := range history {
		response.Changes = append(response.Changes, remote.ToChangePayload(change))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(c.Request.Context())
	stream, unsubscribe := h.realtime.Subscribe(ctx, userID)
	defer unsubscribe()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var event remote.EventPayload
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case message, ok := <-stream:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			event = remote.EventPayload{
				Type:      message.EventType,
				NoteIDs:   message.NoteIDs,
				Device:    message.Device,
				LatestSeq: message.LatestSeq,
				Timestamp: message.Timestamp.UnixMilli(),
			}
		case tick := <-ticker.C:
			event = remote.EventPayload{Type: RealtimeEventHeartbeat, Timestamp: tick.UTC().UnixMilli()}
		}

		writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
		err := wsjson.Write(writeCtx, conn, event)
		cancel()
		if err != nil {
			h.logger.Debug("event stream closed", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorPayload{Error: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorPayload{Error: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorPayload{Error: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	code := apperr.CodeOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		code = "internal_error"
	}
	c.JSON(status, remote.ErrorPayload{Error: code})
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

func parseQueryInt(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}
