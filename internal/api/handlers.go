package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"terraigo/internal/models"
	"terraigo/internal/observability"
	"terraigo/internal/service/advisor"
	"terraigo/internal/session"
	"terraigo/internal/worker"
)

const (
	sessionCookieName = "session_id"
	maxUploadBytes    = 10 << 20 // 10 MB
	defaultRateWindow = time.Minute
)

// TurnQueue schedules turns; *worker.Manager satisfies it.
type TurnQueue interface {
	Enqueue(worker.TurnRequest) (*worker.Pending, error)
	Close(sessionID string)
}

type Options struct {
	// TurnRateLimit caps submitted turns per session per RateWindow; zero
	// disables the limit.
	TurnRateLimit int
	RateWindow    time.Duration
	SessionTTL    time.Duration
}

// Handler wires HTTP routes to the session store and the turn queue.
type Handler struct {
	sessions session.Store
	turns    TurnQueue
	limiter  *rateLimiter
	ttl      time.Duration
}

func NewHandler(store session.Store, turns TurnQueue, opts Options) *Handler {
	window := opts.RateWindow
	if window <= 0 {
		window = defaultRateWindow
	}
	return &Handler{
		sessions: store,
		turns:    turns,
		limiter:  newRateLimiter(opts.TurnRateLimit, window),
		ttl:      opts.SessionTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestContext())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/session", h.requireSession(), h.currentSession)

	sessionRoutes := api.Group("/sessions/:session_id")
	sessionRoutes.Use(h.requireSession())
	sessionRoutes.GET("/messages", h.getSessionMessages)
	sessionRoutes.DELETE("", h.deleteSession)
	sessionRoutes.POST("/image", h.uploadImage)
	sessionRoutes.POST("/turns", h.submitTurn)
}

func (h *Handler) createSession(c *gin.Context) {
	sess, err := h.sessions.Create(c.Request.Context())
	if err != nil {
		observability.FromContext(c.Request.Context()).Error("create session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	h.setSessionCookie(c, sess.ID)
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
	})
}

// currentSession resolves the session remembered by the cookie.
func (h *Handler) currentSession(c *gin.Context) {
	sess, _ := sessionFromContext(c)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sess, _ := sessionFromContext(c)
	msgs, err := h.sessions.Messages(c.Request.Context(), sess.ID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  sess,
		"messages": msgs,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sess, _ := sessionFromContext(c)
	if err := h.sessions.Delete(c.Request.Context(), sess.ID); err != nil {
		h.sessionError(c, err)
		return
	}
	h.turns.Close(sess.ID)
	h.limiter.Forget(sess.ID)
	h.clearSessionCookie(c)
	c.Status(http.StatusNoContent)
}

// uploadImage parks a photo on the session; the next turn without its own
// image picks it up.
func (h *Handler) uploadImage(c *gin.Context) {
	sess, _ := sessionFromContext(c)
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	img, status, err := formImage(c, "image")
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if img == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}
	if err := h.sessions.SetPending(c.Request.Context(), sess.ID, img); err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"file_name": img.FileName,
		"mime":      img.MimeType,
		"size":      len(img.Data),
	})
}

type turnRequest struct {
	Content     string `json:"content"`
	ImageBase64 string `json:"image_base64"`
	ImageName   string `json:"image_name"`
}

func (h *Handler) submitTurn(c *gin.Context) {
	sess, _ := sessionFromContext(c)
	log := observability.FromContext(c.Request.Context()).With(zap.String("session_id", sess.ID))

	in, status, err := parseTurnInput(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": advisor.ErrEmptyInput.Error()})
		return
	}
	if !h.limiter.Allow(sess.ID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many questions, please slow down"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// the lane goroutine hands chunks over; only this goroutine writes
	chunks := make(chan string, 64)
	pending, err := h.turns.Enqueue(worker.TurnRequest{
		Context:   c.Request.Context(),
		SessionID: sess.ID,
		Input:     in,
		ChunkFn: func(chunk string) error {
			select {
			case chunks <- chunk:
			case <-c.Request.Context().Done():
			}
			return nil
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, worker.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session is closing"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	send := func(event string, payload any) error {
		return writeEvent(c.Writer, flusher, event, payload)
	}

	if err := send("ack", gin.H{"message": gin.H{
		"session_id": sess.ID,
		"role":       models.RoleUser,
		"content":    strings.TrimSpace(in.Content),
	}}); err != nil {
		pending.Abandon()
		return
	}

	for {
		select {
		case chunk := <-chunks:
			if err := send("stream", gin.H{"content": chunk}); err != nil {
				pending.Abandon()
				return
			}
		case res := <-pending.Result():
			// flush what the lane delivered before the result
			for drained := false; !drained; {
				select {
				case chunk := <-chunks:
					_ = send("stream", gin.H{"content": chunk})
				default:
					drained = true
				}
			}
			if res.Err != nil {
				log.Warn("turn failed", zap.Error(res.Err))
				_ = send("error", gin.H{"message": turnErrorMessage(res.Err)})
				return
			}
			_ = send("done", res.Turn)
			return
		case <-c.Request.Context().Done():
			pending.Abandon()
			log.Debug("client left before the turn finished")
			return
		}
	}
}

func turnErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	case errors.Is(err, worker.ErrClosed):
		return "session closed"
	default:
		return err.Error()
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, event string, payload any) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// parseTurnInput accepts a JSON body or a multipart form.
func parseTurnInput(c *gin.Context) (advisor.Input, int, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
			return advisor.Input{}, http.StatusBadRequest, errors.New("invalid multipart form")
		}
		img, status, err := formImage(c, "image")
		if err != nil {
			return advisor.Input{}, status, err
		}
		return advisor.Input{Content: c.PostForm("content"), Image: img}, 0, nil
	}

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return advisor.Input{}, http.StatusBadRequest, errors.New("invalid request body")
	}
	in := advisor.Input{Content: req.Content}
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			return advisor.Input{}, http.StatusBadRequest, errors.New("image_base64 is not valid base64")
		}
		img, status, err := newImage(req.ImageName, data)
		if err != nil {
			return advisor.Input{}, status, err
		}
		in.Image = img
	}
	return in, 0, nil
}

// formImage reads an optional image file field; a missing field is not an
// error.
func formImage(c *gin.Context, field string) (*models.Image, int, error) {
	file, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, 0, nil
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read %s: %w", field, err)
	}
	if file.Size > maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
	}
	f, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("open file failed")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("read file failed")
	}
	return newImage(file.Filename, data)
}

func newImage(name string, data []byte) (*models.Image, int, error) {
	if len(data) == 0 {
		return nil, http.StatusBadRequest, errors.New("image is empty")
	}
	if len(data) > maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, http.StatusBadRequest, errors.New("unsupported file type")
	}
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" {
		name = "image"
	}
	return &models.Image{FileName: name, MimeType: contentType, Data: data}, 0, nil
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	observability.FromContext(c.Request.Context()).Error("session store failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
}

func (h *Handler) setSessionCookie(c *gin.Context, id string) {
	maxAge := int(h.ttl.Seconds())
	if maxAge <= 0 {
		maxAge = 3600
	}
	setCookie(c, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	setCookie(c, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		MaxAge:   -1,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
