package visitor

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/seshat/internal/models"
	"github.com/zulandar/seshat/internal/registry"
)

// tokenHeader carries the per-chat secret returned by POST /chats.
const tokenHeader = "X-Chat-Token"

// sessionKey is where requireToken stores the loaded session.
const sessionKey = "session"

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, svc Service, limiter *Limiter) {
	byIP := rateLimit(limiter, func(c *gin.Context) string { return "ip:" + c.ClientIP() })
	byToken := rateLimit(limiter, func(c *gin.Context) string { return "token:" + c.GetHeader(tokenHeader) })

	router.GET("/available", byIP, handleAvailable(svc))
	router.POST("/chats", byIP, handleOpenChat(svc))

	chat := router.Group("/chats/:id", requireToken(svc), byToken)
	chat.GET("", handleStatus())
	chat.POST("/messages", handleSend(svc))
	chat.GET("/messages/next", handleNext(svc))
	chat.GET("/events", handleEvents(svc))
}

type openChatRequest struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

type openChatResponse struct {
	ChatID uint   `json:"chat_id"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

type messageResponse struct {
	ID        uint      `json:"id"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type statusResponse struct {
	ChatID    uint       `json:"chat_id"`
	Status    string     `json:"status"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func handleAvailable(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"available": svc.Available(c.Request.Context())})
	}
}

func handleOpenChat(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		s, err := svc.OpenChat(c.Request.Context(), req.Label, req.Message)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, openChatResponse{
			ChatID: s.ChatID,
			Token:  s.VisitorToken,
			Status: string(s.Status),
		})
	}
}

func handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := c.MustGet(sessionKey).(*models.Session)
		c.JSON(http.StatusOK, statusResponse{
			ChatID:    s.ChatID,
			Status:    string(s.Status),
			Label:     s.VisitorLabel,
			CreatedAt: s.CreatedAt,
			ClosedAt:  s.ClosedAt,
		})
	}
}

func handleSend(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := c.MustGet(sessionKey).(*models.Session)
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
			return
		}
		if err := svc.VisitorSend(c.Request.Context(), s.ChatID, req.Text); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleNext(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := c.MustGet(sessionKey).(*models.Session)
		msg, err := svc.NextForVisitor(c.Request.Context(), s.ChatID)
		if err != nil {
			writeError(c, err)
			return
		}
		if msg == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, messageResponse{
			ID:        msg.ID,
			Text:      msg.Text,
			Kind:      string(msg.Kind),
			CreatedAt: msg.CreatedAt,
		})
	}
}

// requireToken loads the session named by :id and checks the caller holds
// its token. Unknown chats and wrong tokens look the same to the caller.
func requireToken(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		token := c.GetHeader(tokenHeader)
		s, err := svc.Session(c.Request.Context(), uint(id))
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			writeError(c, err)
			c.Abort()
			return
		}
		if err != nil || token == "" || s.VisitorToken != token {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.Set(sessionKey, s)
		c.Next()
	}
}

func rateLimit(l *Limiter, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// writeError maps broker errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var se *registry.StorageError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, registry.ErrNotWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": "chat is closed"})
	case errors.As(err, &se):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
