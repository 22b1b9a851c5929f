package services

import (
	"context"
	"fmt"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"quest-pipeline/models"
	"quest-pipeline/store"
)

// NotificationSink persists user-facing notifications.
type NotificationSink interface {
	CreateNotification(ctx context.Context, n models.Notification) error
}

// NotificationService writes notifications to the notifications table.
type NotificationService struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewNotificationService(st *store.Store, logger zerolog.Logger) *NotificationService {
	return &NotificationService{
		store:  st,
		logger: logger.With().Str("component", "notifications").Logger(),
	}
}

func (s *NotificationService) CreateNotification(ctx context.Context, n models.Notification) error {
	if err := s.store.CreateNotification(ctx, &n); err != nil {
		return err
	}
	s.logger.Debug().Str("recipient", n.RecipientID).Str("type", n.Type).Msg("notification created")
	return nil
}

// questURL is the CTA link of a quest, readable but keyed by id.
func questURL(q *models.Quest) string {
	if s := slug.Make(q.Title); s != "" {
		return fmt.Sprintf("/quests/%s/%s", q.ID, s)
	}
	return "/quests/" + q.ID
}
