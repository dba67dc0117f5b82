package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nexuschat/internal/auth"
	"nexuschat/internal/conversation"
	"nexuschat/internal/credentials"
	"nexuschat/internal/models"
	"nexuschat/internal/threads"
	"nexuschat/internal/turn"
	"nexuschat/internal/worker"
)

// TurnRunner abstracts the streaming aggregator for the chat endpoint.
type TurnRunner interface {
	Run(ctx context.Context, req turn.TurnRequest) (*models.Message, error)
}

// Handler wires HTTP routes to the backend services.
type Handler struct {
	credentials *credentials.Store
	auth        *auth.Service
	registry    *threads.Registry
	loader      *conversation.Loader
	runner      TurnRunner
	turnTimeout time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(creds *credentials.Store, authService *auth.Service, registry *threads.Registry, loader *conversation.Loader, runner TurnRunner, turnTimeout time.Duration) *Handler {
	if turnTimeout <= 0 {
		turnTimeout = 2 * time.Minute
	}
	return &Handler{
		credentials: creds,
		auth:        authService,
		registry:    registry,
		loader:      loader,
		runner:      runner,
		turnTimeout: turnTimeout,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("", h.getUser)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.GET("/threads", h.listThreads)
	userRoutes.POST("/threads", h.createThread)
	userRoutes.DELETE("/threads/:thread_id", h.deleteThread)
	userRoutes.GET("/threads/:thread_id/messages", h.getThreadMessages)
	userRoutes.POST("/threads/:thread_id/chat", h.chat)
}

// requirePathUser checks the token's user id matches the path user id.
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.credentials.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, credentials.ErrEmptyCredential):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, credentials.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	userID, err := h.credentials.Verify(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, credentials.ErrEmptyCredential):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, credentials.ErrUserNotFound), errors.Is(err, credentials.ErrPasswordMismatch):
			// Which credential was wrong is not disclosed here.
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}
	authToken, err := h.auth.Issue(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	username, _ := h.credentials.Username(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{
		"id":         userID,
		"username":   username,
		"auth_token": authToken,
	})
}

func (h *Handler) getUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	username, err := h.credentials.Username(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, credentials.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": userID, "username": username})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.Revoke(c.Request.Context(), authToken)
	}
	if userID, ok := auth.UserIDFromContext(c); ok {
		// Queued turns for a user who just logged out are abandoned.
		if canceler, ok := h.runner.(interface{ CancelUser(int64) }); ok {
			canceler.CancelUser(userID)
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) listThreads(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.registry.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list threads failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": list})
}

// createThread mints a fresh thread id and links it to its owner. This is the
// only place a thread gets linked; turns do not re-link.
func (h *Handler) createThread(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := threads.NewThreadID()
	if err := h.registry.Link(c.Request.Context(), userID, threadID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create thread failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread_id": threadID})
}

func (h *Handler) deleteThread(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := c.Param("thread_id")
	removed, err := h.registry.Unlink(c.Request.Context(), userID, threadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete thread failed"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getThreadMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := c.Param("thread_id")
	transcript, err := h.loader.Load(c.Request.Context(), userID, threadID)
	if err != nil {
		if errors.Is(err, threads.ErrNotOwner) {
			c.JSON(http.StatusForbidden, gin.H{"error": "thread not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load conversation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": transcript})
}

type chatRequest struct {
	Content string `json:"content"`
}

// chat runs one conversational turn over SSE: an ack event, one stream event
// per fragment, then done with the persisted assistant message.
func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threadID := c.Param("thread_id")
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{"thread_id": threadID, "content": req.Content}); err != nil {
		return
	}

	turnCtx, cancel := context.WithTimeout(c.Request.Context(), h.turnTimeout)
	defer cancel()

	reply, err := h.runner.Run(turnCtx, turn.TurnRequest{
		UserID:   userID,
		ThreadID: threadID,
		Content:  req.Content,
		Emit: func(fragment string) error {
			return sendEvent("stream", gin.H{"content": fragment})
		},
	})
	if err != nil {
		msg := "turn failed"
		switch {
		case errors.Is(err, threads.ErrNotOwner):
			msg = "thread not found"
		case errors.Is(err, worker.ErrQueueFull):
			msg = "server busy"
		}
		_ = sendEvent("error", gin.H{"message": msg})
		return
	}
	_ = sendEvent("done", gin.H{
		"message": gin.H{
			"role":    reply.Role,
			"content": reply.Content,
		},
	})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
