package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const viewerBuffer = 32

// stream serves the live feed as server-sent events. Each message carries one
// {type, data} envelope; the snapshot is sent first.
func (h *Handler) stream(c *gin.Context) {
	if h.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed disabled"})
		return
	}
	ctx := c.Request.Context()

	id, ch := h.Hub.Subscribe(viewerBuffer)
	defer h.Hub.Unregister(id)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if h.Snapshot != nil {
		envs, err := h.Snapshot(ctx)
		if err != nil {
			slog.Error("failed to build live feed snapshot", "viewer_id", id, "error", err)
		}
		for _, env := range envs {
			fmt.Fprintf(w, "data: %s\n\n", env.Payload)
		}
	}
	w.Flush()
	slog.Info("viewer subscribed to live feed", "viewer_id", id, "transport", "sse")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("viewer disconnected from live feed", "viewer_id", id)
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", env.Payload); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}
