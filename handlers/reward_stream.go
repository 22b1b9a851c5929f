package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"quest-pipeline/middleware"
	"quest-pipeline/models"
)

const defaultStreamInterval = 2 * time.Second

// StreamMyRewards pushes newly processed ledger entries of the caller as
// server-sent events.
func (h *QuestHandler) StreamMyRewards(c *fiber.Ctx) error {
	userID := c.Locals(middleware.LocalUserID).(string)

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	// only entries issued after the stream opened are pushed
	since := time.Now().UTC()
	reqCtx := c.Context()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		h.pumpRewards(reqCtx, w, userID, since)
	})
	return nil
}

// pumpRewards polls the ledger until the client goes away. Every tick ends
// with a flush, so a disconnected client surfaces as a write error even when
// nothing new was issued.
func (h *QuestHandler) pumpRewards(ctx context.Context, w *bufio.Writer, userID string, since time.Time) {
	log := h.logger.With().Str("recipient", userID).Logger()
	interval := h.streamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// initial keepalive
	_, _ = w.WriteString(":\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	cursor := since
	for {
		select {
		case <-ticker.C:
			entries, err := h.store.ProcessedLedgerSince(ctx, userID, cursor)
			if err != nil {
				log.Warn().Err(err).Msg("[SSE] reward query failed")
			}
			if len(entries) > 0 {
				cursor = entries[len(entries)-1].CreatedAt
				if err := writeRewardEvents(w, entries); err != nil {
					return
				}
			} else if _, err := w.WriteString(":\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug().Msg("[SSE] client disconnected")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeRewardEvents(w *bufio.Writer, entries []models.RewardLedgerEntry) error {
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: reward\ndata: %s\n\n", payload); err != nil {
			return err
		}
	}
	return nil
}
