package visitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/seshat/internal/models"
)

// Event stream timing. Tests shorten eventPoll.
var (
	eventPoll      = time.Second
	eventHeartbeat = 15 * time.Second
)

// handleEvents streams the visitor's queued messages as server-sent events,
// an alternative to polling GET /messages/next. The stream ends with a
// "closed" event once the session is closed and its queue is drained.
func handleEvents(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := c.MustGet(sessionKey).(*models.Session)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", gin.H{"chat_id": s.ChatID, "status": s.Status})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(eventPoll)
		heartbeat := time.NewTicker(eventHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		// The closing notice is queued just after the status flips, so one
		// more drain runs after the session is seen closed.
		closing := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", gin.H{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				cur, err := svc.Session(ctx, s.ChatID)
				if err != nil {
					writeSSE(c.Writer, "error", gin.H{"error": "storage unavailable"})
					c.Writer.Flush()
					return
				}
				if err := drainMessages(ctx, c.Writer, svc, s.ChatID); err != nil {
					writeSSE(c.Writer, "error", gin.H{"error": "storage unavailable"})
					c.Writer.Flush()
					return
				}
				c.Writer.Flush()
				if closing {
					writeSSE(c.Writer, "closed", statusResponse{
						ChatID:    cur.ChatID,
						Status:    string(cur.Status),
						Label:     cur.VisitorLabel,
						CreatedAt: cur.CreatedAt,
						ClosedAt:  cur.ClosedAt,
					})
					c.Writer.Flush()
					return
				}
				closing = cur.Status.Closed()
			}
		}
	}
}

// drainMessages writes every queued visitor message as a "message" event.
func drainMessages(ctx context.Context, w io.Writer, svc Service, chatID uint) error {
	for {
		msg, err := svc.NextForVisitor(ctx, chatID)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		writeSSE(w, "message", messageResponse{
			ID:        msg.ID,
			Text:      msg.Text,
			Kind:      string(msg.Kind),
			CreatedAt: msg.CreatedAt,
		})
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
