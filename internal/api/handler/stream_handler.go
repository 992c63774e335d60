package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/slideforge/converter-gateway/internal/api/dto"
)

// StreamEvents handles GET /api/v1/conversions/:job_id/events
//
// Opens a long-lived event stream relaying the job's status updates. Frames:
// connected (immediately), data (one per status event), heartbeat (periodic),
// close (after a terminal status, followed by a short grace delay so the
// client observes it before the transport goes away).
func (h *ConversionHandler) StreamEvents(c *gin.Context) {
	jobID := c.Param("job_id")
	if !validJobID(jobID) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "invalid job id",
		})
		return
	}

	events, unsubscribe, err := h.relay.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to subscribe to status channel",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "failed to open event stream",
		})
		return
	}

	conn := newStreamConn(jobID, h.opts.HeartbeatInterval, unsubscribe, nil)
	conn.release = func() { h.streams.remove(conn) }
	h.streams.add(conn)
	defer conn.teardown()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	if !h.writeFrame(c, "connected", gin.H{"jobId": jobID}) {
		return
	}

	h.logger.Info("Event stream opened",
		slog.String("job_id", jobID),
	)

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			h.logger.Info("Event stream client disconnected",
				slog.String("job_id", jobID),
			)
			return

		case <-conn.heartbeat.C:
			if !h.writeFrame(c, "heartbeat", gin.H{"ts": time.Now().UTC().Format(time.RFC3339)}) {
				return
			}

		case event, ok := <-events:
			if !ok {
				// Relay shut down underneath us.
				return
			}

			if !h.writeFrame(c, "data", event) {
				return
			}

			if event.Terminal() {
				h.writeFrame(c, "close", gin.H{"jobId": jobID, "status": event.Status})

				// Grace delay so the client sees the terminal frame before
				// the connection drops.
				select {
				case <-time.After(h.opts.CloseGraceDelay):
				case <-clientGone:
				}

				h.logger.Info("Event stream closed",
					slog.String("job_id", jobID),
					slog.String("status", event.Status),
				)
				return
			}
		}
	}
}

// writeFrame emits one named SSE frame and flushes it. Returns false when
// the transport is no longer writable.
func (h *ConversionHandler) writeFrame(c *gin.Context, name string, data any) bool {
	err := sse.Encode(c.Writer, sse.Event{
		Event: name,
		Data:  data,
	})
	if err != nil {
		h.logger.Warn("Failed to write stream frame",
			slog.String("event", name),
			slog.Any("error", err),
		)
		return false
	}
	c.Writer.Flush()
	return true
}
