package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"terraigo/internal/models"
	"terraigo/internal/observability"
)

const (
	sessionContextKey = "session"
	requestIDHeader   = "X-Request-ID"
	sessionIDHeader   = "X-Session-ID"
)

// requestContext tags every request with an id and writes one access log
// line when it completes.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()
		observability.FromContext(c.Request.Context()).Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// requireSession resolves the session named by the path, the X-Session-ID
// header or the session cookie, in that order, and stores it in the context.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := extractSessionID(c)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}
		sess, err := h.sessions.Get(c.Request.Context(), id)
		if err != nil {
			h.sessionError(c, err)
			c.Abort()
			return
		}
		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) (*models.Session, bool) {
	val, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	sess, ok := val.(*models.Session)
	return sess, ok
}

func extractSessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Param("session_id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader(sessionIDHeader)); id != "" {
		return id
	}
	if id, err := c.Cookie(sessionCookieName); err == nil && id != "" {
		return id
	}
	return ""
}
