package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pdfcast/internal/core/domain"
	"pdfcast/internal/infrastructure/signal"
	"pdfcast/pkg/cache"
	"pdfcast/pkg/errors"
)

// StreamLister is the read-only view of the signal server the HTTP surface
// needs.
type StreamLister interface {
	ActiveStreams(ctx context.Context) ([]signal.StreamSummary, error)
}

type StreamHandler struct {
	streams StreamLister
	// listing is polled by every viewer landing page; a short cache keeps
	// that off the registry backend.
	listing *cache.Cache[[]signal.StreamSummary]
}

func NewStreamHandler(streams StreamLister) *StreamHandler {
	return &StreamHandler{
		streams: streams,
		listing: cache.New[[]signal.StreamSummary](time.Second),
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)
	}
}

// ListStreams returns every active stream with its viewer count. This is
// the data behind a "what can I watch" page; stream ids are capability
// tokens, so the listing is only enabled for trusted deployments.
func (h *StreamHandler) ListStreams(c *gin.Context) {
	summaries, err := h.activeStreams(c.Request.Context())
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to list streams", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": summaries,
		"count":   len(summaries),
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))

	summaries, err := h.activeStreams(c.Request.Context())
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to list streams", http.StatusInternalServerError))
		return
	}

	for _, summary := range summaries {
		if summary.StreamID == id {
			c.JSON(http.StatusOK, summary)
			return
		}
	}
	c.Error(errors.NewNotFound("stream"))
}

func (h *StreamHandler) activeStreams(ctx context.Context) ([]signal.StreamSummary, error) {
	return h.listing.GetOrLoad("active", func() ([]signal.StreamSummary, error) {
		return h.streams.ActiveStreams(ctx)
	})
}
