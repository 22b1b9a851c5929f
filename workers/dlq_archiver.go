// workers/dlq_archiver.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/broker"
)

// ObjectUploader stores one archived message.
type ObjectUploader interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Drainer consumes a queue, acking on nil and requeueing on error.
type Drainer interface {
	Drain(ctx context.Context, queue string, fn func(ctx context.Context, d broker.Delivery) error) error
}

// archivedMessage is the JSON document written for each dead-lettered message.
type archivedMessage struct {
	Queue      string          `json:"queue"`
	RoutingKey string          `json:"routing_key"`
	Attempts   int             `json:"attempts"`
	Headers    map[string]any  `json:"headers,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	RawBody    string          `json:"raw_body,omitempty"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// DLQArchiver moves dead-lettered messages into object storage so the DLQs
// stay short while keeping every failure inspectable.
type DLQArchiver struct {
	drainer  Drainer
	uploader ObjectUploader
	queues   []string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDLQArchiver(drainer Drainer, uploader ObjectUploader, queues []string, logger zerolog.Logger) *DLQArchiver {
	return &DLQArchiver{
		drainer:  drainer,
		uploader: uploader,
		queues:   queues,
		logger:   logger.With().Str("component", "dlq_archiver").Logger(),
		now:      time.Now,
	}
}

// Run drains every configured DLQ until ctx is cancelled.
func (a *DLQArchiver) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range a.queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			a.logger.Info().Str("queue", queue).Msg("📦 archiving dead letters")
			if err := a.drainer.Drain(ctx, queue, a.Archive); err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Str("queue", queue).Msg("❌ dlq drain stopped")
			}
		}(q)
	}
	wg.Wait()
}

// Archive uploads one dead-lettered delivery.
func (a *DLQArchiver) Archive(ctx context.Context, d broker.Delivery) error {
	now := a.now().UTC()
	msg := archivedMessage{
		Queue:      d.Queue,
		RoutingKey: d.RoutingKey,
		Attempts:   d.Attempt,
		Headers:    headerStrings(d.Headers),
		ArchivedAt: now,
	}
	if json.Valid(d.Body) {
		msg.Body = d.Body
	} else {
		msg.RawBody = string(d.Body)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode archived message")
	}
	key := ArchiveKey(d.Queue, now, uuid.NewString())
	if err := a.uploader.PutObject(ctx, key, body, "application/json"); err != nil {
		return err
	}
	a.logger.Info().Str("queue", d.Queue).Str("routing_key", d.RoutingKey).Str("key", key).Msg("✅ dead letter archived")
	return nil
}

// ArchiveKey is dlq/<queue-slug>/<yyyy>/<mm>/<dd>/<id>.json. Queue names use
// underscores, slugs use hyphens.
func ArchiveKey(queue string, at time.Time, id string) string {
	name := slug.Make(strings.ReplaceAll(queue, "_", "-"))
	return fmt.Sprintf("dlq/%s/%s/%s.json", name, at.UTC().Format("2006/01/02"), id)
}

// headerStrings keeps headers JSON friendly; AMQP tables may hold nested
// tables and byte slices.
func headerStrings(h map[string]any) map[string]any {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		switch t := v.(type) {
		case []byte:
			out[k] = string(t)
		case string, bool, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, time.Time:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
