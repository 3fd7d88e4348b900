package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/nutrify/internal/api/middleware"
	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/logger"
	"github.com/timmy/nutrify/internal/storage"
)

// HistoryReader serves stored analyses.
type HistoryReader interface {
	Get(ctx context.Context, userID, id string) (*domain.HistoryEntry, error)
	ListFor(ctx context.Context, userID string, page domain.Page) ([]domain.HistoryEntry, error)
	Count(ctx context.Context, userID string) (int64, error)
	Summarize(ctx context.Context, userID string, since time.Time) (*domain.HistorySummary, error)
	NormalizePage(page domain.Page) domain.Page
}

// ImageSource reads retained meal images back.
type ImageSource interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	KeyFor(ref string) (string, bool)
}

// HistoryHandler serves a user's meal history.
type HistoryHandler struct {
	history HistoryReader
	images  ImageSource
	now     func() time.Time
}

// NewHistoryHandler creates a new history handler. images may be nil when
// no image retention is configured.
func NewHistoryHandler(history HistoryReader, images ImageSource) *HistoryHandler {
	return &HistoryHandler{history: history, images: images, now: time.Now}
}

// HistoryResponse is one page of history.
type HistoryResponse struct {
	Entries []domain.HistoryEntry `json:"entries"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// SummaryResponse holds the totals for the current day and week.
type SummaryResponse struct {
	Today *domain.HistorySummary `json:"today"`
	Week  *domain.HistorySummary `json:"week"`
}

// List handles GET /api/v1/history.
// Parameters:
//   - c: Gin request context; optional limit and offset query params.
//
// Returns: none (writes JSON response).
func (h *HistoryHandler) List(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	page := h.history.NormalizePage(domain.Page{Limit: limit, Offset: offset})
	entries, err := h.history.ListFor(ctx, userID, page)
	var total int64
	if err == nil {
		total, err = h.history.Count(ctx, userID)
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to list history: %v", err)
		writeError(c, domain.NewError(domain.KindPersistence, "failed to load history", err))
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}

	c.JSON(http.StatusOK, HistoryResponse{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset})
}

// Image handles GET /api/v1/history/:id/image. Images behind a public URL
// are redirected to; otherwise the object is streamed from storage. Both
// unknown entries and other users' entries are 404.
func (h *HistoryHandler) Image(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	entry, err := h.history.Get(ctx, userID, c.Param("id"))
	if errors.Is(err, domain.ErrEntryNotFound) {
		notFound(c, "history entry not found")
		return
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to load history entry: %v", err)
		writeError(c, domain.NewError(domain.KindPersistence, "failed to load history", err))
		return
	}

	ref := entry.ImageRef
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		c.Redirect(http.StatusFound, ref)
		return
	}
	if h.images == nil || ref == "" {
		notFound(c, "no image is stored for this entry")
		return
	}
	key, ok := h.images.KeyFor(ref)
	if !ok || !storage.OwnedBy(key, userID) {
		notFound(c, "no image is stored for this entry")
		return
	}

	rc, err := h.images.Download(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		notFound(c, "no image is stored for this entry")
		return
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to read meal image %s: %v", key, err)
		writeError(c, domain.NewError(domain.KindPersistence, "failed to load image", err))
		return
	}
	defer rc.Close()

	contentType := domain.MIMEForExtension(strings.TrimPrefix(path.Ext(key), "."))
	c.DataFromReader(http.StatusOK, -1, contentType, rc, map[string]string{
		"Cache-Control": "private, max-age=86400",
	})
}

// Summary handles GET /api/v1/history/summary. Days start at midnight in
// the optional "tz" IANA zone (UTC by default); weeks start on Monday.
func (h *HistoryHandler) Summary(c *gin.Context) {
	loc := time.UTC
	if tz := c.Query("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			badRequest(c, "unknown time zone "+strconv.Quote(tz))
			return
		}
		loc = l
	}

	now := h.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	daysSinceMonday := (int(today.Weekday()) + 6) % 7
	week := today.AddDate(0, 0, -daysSinceMonday)

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	var resp SummaryResponse
	var err error
	if resp.Today, err = h.history.Summarize(ctx, userID, today); err == nil {
		resp.Week, err = h.history.Summarize(ctx, userID, week)
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to summarize history: %v", err)
		writeError(c, domain.NewError(domain.KindPersistence, "failed to load history", err))
		return
	}

	c.JSON(http.StatusOK, resp)
}
