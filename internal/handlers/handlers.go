package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/controller"
	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/imageprocessor"
)

// MaxUploadSize bounds a single uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 1 << 20

// Controller is the subset of controller.Controller exposed over HTTP.
type Controller interface {
	CaptureReference(ctx context.Context, src []byte) (*controller.Reference, error)
	CaptureReferenceURI(ctx context.Context, uri string) (*controller.Reference, error)
	MatchAgainst(ctx context.Context, src []byte) (*controller.Match, error)
	MatchAgainstURI(ctx context.Context, uri string) (*controller.Match, error)
	Reset()
	Snapshot() controller.Snapshot
	ReferenceCrop() *image.NRGBA
	Live(ctx context.Context, frames <-chan []byte, emit controller.LiveEmit) error
}

type api struct {
	ctrl   Controller
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, ctrl Controller, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &api{ctrl: ctrl, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": ctrl.Snapshot().State})
	})

	protected := router.Group("/", authMiddleware)
	protected.POST("/reference", h.captureReference)
	protected.GET("/reference/crop", h.referenceCrop)
	protected.DELETE("/reference", h.reset)
	protected.POST("/match", h.match)
	protected.GET("/state", h.state)
	protected.GET("/live", h.live)
}

// CORS allows the given origins, or any origin when none are configured.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (h *api) captureReference(c *gin.Context) {
	data, uri, ok := readImage(c)
	if !ok {
		return
	}

	var (
		ref *controller.Reference
		err error
	)
	if uri != "" {
		ref, err = h.ctrl.CaptureReferenceURI(c.Request.Context(), uri)
	} else {
		ref, err = h.ctrl.CaptureReference(c.Request.Context(), data)
	}
	if err != nil {
		h.fail(c, "capture_reference", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reference_id": ref.ID,
		"captured_at":  ref.CapturedAt,
		"box":          ref.Box,
		"dim":          len(ref.Embedding),
	})
}

func (h *api) referenceCrop(c *gin.Context) {
	crop := h.ctrl.ReferenceCrop()
	if crop == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reference captured"})
		return
	}
	encoded, err := imageprocessor.EncodeJPEG(crop, 90)
	if err != nil {
		h.fail(c, "reference_crop", err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", encoded)
}

func (h *api) reset(c *gin.Context) {
	h.ctrl.Reset()
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *api) match(c *gin.Context) {
	data, uri, ok := readImage(c)
	if !ok {
		return
	}

	var (
		m   *controller.Match
		err error
	)
	if uri != "" {
		m, err = h.ctrl.MatchAgainstURI(c.Request.Context(), uri)
	} else {
		m, err = h.ctrl.MatchAgainst(c.Request.Context(), data)
	}
	if err != nil {
		h.fail(c, "match", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *api) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

// readImage returns either the uploaded "image" part or the "uri" form
// value. On failure the response has already been written.
func readImage(c *gin.Context) ([]byte, string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return nil, "", false
		}
		if uri := strings.TrimSpace(c.PostForm("uri")); uri != "" {
			return nil, uri, true
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file or uri is required"})
		return nil, "", false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return nil, "", false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, "", false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, "", false
	}
	if !isImage(file.Header.Get("Content-Type"), data) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return nil, "", false
	}
	return data, "", true
}

// isImage trusts an explicit image/* part type and sniffs generic ones.
func isImage(declared string, data []byte) bool {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err == nil && strings.HasPrefix(mediaType, "image/") {
		return true
	}
	if declared != "" && mediaType != "application/octet-stream" {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

func (h *api) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusUnprocessableEntity || status == http.StatusInternalServerError {
		body["failure"] = face.Classify(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, controller.ErrNotReady), errors.Is(err, controller.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, controller.ErrNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrNoSource):
		return http.StatusNotImplemented
	case errors.Is(err, face.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
