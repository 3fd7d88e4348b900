package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/nutrify/internal/api/middleware"
	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/logger"
	"github.com/timmy/nutrify/internal/service"
)

// multipartOverhead is allowed on top of the image ceiling for form
// boundaries and other fields.
const multipartOverhead = 1 << 20

// Analyzer runs meal analyses.
type Analyzer interface {
	Analyze(ctx context.Context, req service.AnalysisRequest) (*domain.AnalysisResult, error)
	MaxImageBytes() int64
}

// AnalysisHandler serves meal photo uploads.
type AnalysisHandler struct {
	analyzer Analyzer
}

// NewAnalysisHandler creates a new analysis handler.
func NewAnalysisHandler(analyzer Analyzer) *AnalysisHandler {
	return &AnalysisHandler{analyzer: analyzer}
}

// AnalysisResponse is returned for completed analyses and for analyses
// that completed but could not be saved.
type AnalysisResponse struct {
	Analysis *domain.AnalysisResult `json:"analysis"`
	Saved    bool                   `json:"saved"`
	Error    *ErrorBody             `json:"error,omitempty"`
}

// Create handles POST /api/v1/analyses.
// Parameters:
//   - c: Gin request context; expects multipart field "image" and an
//     optional "image_ref".
//
// Returns: none (writes JSON response).
func (h *AnalysisHandler) Create(c *gin.Context) {
	maxBytes := h.analyzer.MaxImageBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	fileHeader, err := c.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(c, domain.Errorf(domain.KindTooLarge, "image exceeds %d bytes", maxBytes))
			return
		}
		badRequest(c, "multipart field \"image\" is required")
		return
	}
	if fileHeader.Size > maxBytes {
		writeError(c, domain.Errorf(domain.KindTooLarge, "image exceeds %d bytes", maxBytes))
		return
	}

	data, err := readUpload(fileHeader, maxBytes)
	if err != nil {
		badRequest(c, "could not read uploaded image")
		return
	}

	ctx := c.Request.Context()
	res, err := h.analyzer.Analyze(ctx, service.AnalysisRequest{
		UserID:       middleware.UserID(c),
		Image:        data,
		DeclaredMIME: fileHeader.Header.Get("Content-Type"),
		ImageRef:     c.PostForm("image_ref"),
	})
	if err != nil {
		if res != nil && domain.KindOf(err) == domain.KindPersistence && res.Nutrition != nil {
			// The analysis itself succeeded; tell the user it was not saved.
			body := NewErrorBody(err)
			logger.CtxWarn(ctx, "Returning unsaved analysis %s", res.ID)
			c.JSON(http.StatusOK, AnalysisResponse{Analysis: res, Saved: false, Error: &body})
			return
		}
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Saved {
		status = http.StatusCreated
	}
	c.JSON(status, AnalysisResponse{Analysis: res, Saved: res.Saved})
}

// readUpload reads at most limit+1 bytes so an oversized part is detected
// by the preprocessor instead of being read in full.
func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit+1))
}
