// Package httpapi exposes the analysis pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mealsnap"
	"mealsnap/pipeline"

	"github.com/gin-gonic/gin"
)

const (
	maxImageBytes = 10 << 20

	// StatusClientClosedRequest is returned when the caller went away mid-analysis.
	StatusClientClosedRequest = 499

	// RetryAfterSeconds is advertised with 503 responses while a collaborator is unavailable.
	RetryAfterSeconds = 30
)

// Analyzer is the part of the pipeline the API needs.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) (mealsnap.AnalysisResult, error)
	ExportForGoal(r mealsnap.AnalysisResult, goal mealsnap.GoalProfile) mealsnap.HealthExport
}

// Notifier is told about every successful analysis.
type Notifier interface {
	Notify(ctx context.Context, r mealsnap.AnalysisResult) error
}

type Handler struct {
	analyzer Analyzer
	versions mealsnap.ModelVersions
	notifier Notifier
}

// NewHandler serves analyses under versions. notifier may be nil.
func NewHandler(analyzer Analyzer, versions mealsnap.ModelVersions, notifier Notifier) *Handler {
	return &Handler{analyzer: analyzer, versions: versions, notifier: notifier}
}

type analyzeJSON struct {
	ImageBase64 string                    `json:"image_base64" binding:"required"`
	Capture     *mealsnap.CaptureMetadata `json:"capture"`
	Goal        mealsnap.GoalProfile      `json:"goal"`
}

type analyzeResponse struct {
	Analysis mealsnap.AnalysisResult `json:"analysis"`
	Partial  bool                    `json:"partial"`
}

type exportResponse struct {
	Export  mealsnap.HealthExport `json:"export"`
	Partial bool                  `json:"partial"`
}

// NewRouter returns a gin engine with the API routes and request logging.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/analyses", h.Analyze)
	return r
}

// Analyze handles POST /v1/analyses. The image comes either as a multipart "image" file or as
// base64 in a JSON body. ?format=health returns the health export instead of the full result.
func (h *Handler) Analyze(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)

	req, err := h.bind(c)
	if err != nil {
		slog.Warn("HTTPAPI: Rejected request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.analyzer.Analyze(c.Request.Context(), req)
	var partial *mealsnap.PartialResultError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		slog.Info("HTTPAPI: Partial result", "digest", result.Digest, "gaps", len(partial.Gaps))
	default:
		status := statusFor(err)
		slog.Error("HTTPAPI: Analysis failed", "status", status, "class", mealsnap.Classify(err), "error", err)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}
		c.JSON(status, gin.H{"error": err.Error(), "class": mealsnap.Classify(err)})
		return
	}

	if h.notifier != nil {
		if err := h.notifier.Notify(c.Request.Context(), result); err != nil {
			slog.Warn("HTTPAPI: Failed to notify", "digest", result.Digest, "error", err)
		}
	}

	if c.Query("format") == "health" {
		c.JSON(http.StatusOK, exportResponse{Export: h.analyzer.ExportForGoal(result, req.Goal), Partial: partial != nil})
		return
	}
	c.JSON(http.StatusOK, analyzeResponse{Analysis: result, Partial: partial != nil})
}

func (h *Handler) bind(c *gin.Context) (pipeline.Request, error) {
	req := pipeline.Request{Versions: h.versions}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		if err != nil {
			return req, fmt.Errorf("missing image file: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return req, fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()
		if req.Image, err = io.ReadAll(f); err != nil {
			return req, fmt.Errorf("failed to read image: %w", err)
		}
		if raw := c.PostForm("goal"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Goal); err != nil {
				return req, fmt.Errorf("invalid goal: %w", err)
			}
		}
		if raw := c.PostForm("capture"); raw != "" {
			req.Capture = &mealsnap.CaptureMetadata{}
			if err := json.Unmarshal([]byte(raw), req.Capture); err != nil {
				return req, fmt.Errorf("invalid capture metadata: %w", err)
			}
		}
	} else {
		var body analyzeJSON
		if err := c.ShouldBindJSON(&body); err != nil {
			return req, fmt.Errorf("invalid body: %w", err)
		}
		img, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			return req, fmt.Errorf("image_base64 is not valid base64: %w", err)
		}
		req.Image, req.Capture, req.Goal = img, body.Capture, body.Goal
	}

	if req.Goal.Kind != "" {
		kind, err := mealsnap.ParseGoalKind(string(req.Goal.Kind))
		if err != nil {
			return req, err
		}
		req.Goal.Kind = kind
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mealsnap.ErrMalformedImage), errors.Is(err, mealsnap.ErrInvalidVersions):
		return http.StatusBadRequest
	case errors.Is(err, mealsnap.ErrRecognitionUnavailable), errors.Is(err, mealsnap.ErrReferenceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTPAPI: Request served",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
