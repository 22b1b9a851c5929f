package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"quest-pipeline/cache"
	"quest-pipeline/middleware"
	"quest-pipeline/models"
	"quest-pipeline/store"
)

const defaultRewardsLimit = 50

// ProgressCache is what the read API needs from the progress cache.
type ProgressCache interface {
	Get(ctx context.Context, questID, squadID string) (cache.Progress, error)
	Set(ctx context.Context, questID, squadID string, p cache.Progress) error
}

type QuestHandler struct {
	store          *store.Store
	progress       ProgressCache
	logger         zerolog.Logger
	streamInterval time.Duration
}

func NewQuestHandler(st *store.Store, progress ProgressCache, logger zerolog.Logger) *QuestHandler {
	return &QuestHandler{
		store:          st,
		progress:       progress,
		logger:         logger.With().Str("component", "quest_api").Logger(),
		streamInterval: defaultStreamInterval,
	}
}

type progressResponse struct {
	QuestID   string    `json:"quest_id"`
	SquadID   string    `json:"squad_id,omitempty"`
	Current   float64   `json:"current"`
	Goal      float64   `json:"goal"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

// SetupQuestRoutes registers the health probe, then everything else behind
// the gateway token.
func SetupQuestRoutes(app *fiber.App, h *QuestHandler, gatewayToken string) {
	app.Get("/health", h.Health)

	app.Use(middleware.GatewayAuth(gatewayToken, h.logger))

	app.Get("/quests/:id/progress", h.GetProgress)
	app.Get("/users/:id/rewards", h.GetUserRewards)

	// 🔐 caller-scoped routes, identity forwarded by the gateway
	secured := app.Group("/s", middleware.UserContext(h.logger))
	secured.Get("/me/rewards", h.GetMyRewards)
	secured.Get("/me/rewards/stream", h.StreamMyRewards)
	secured.Get("/me/notifications", h.GetMyNotifications)
}

func (h *QuestHandler) Health(c *fiber.Ctx) error {
	if err := h.store.Ping(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// GetProgress serves the cached progress and falls back to the store on a
// miss, repopulating the cache.
func (h *QuestHandler) GetProgress(c *fiber.Ctx) error {
	ctx := c.UserContext()
	questID := c.Params("id")
	squadID := c.Query("squad_id")

	p, err := h.progress.Get(ctx, questID, squadID)
	if err == nil {
		return c.JSON(progressResponse{QuestID: questID, SquadID: squadID, Current: p.Current, Goal: p.Goal, UpdatedAt: p.UpdatedAt, Source: "cache"})
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		h.logger.Warn().Err(err).Str("quest_id", questID).Msg("progress cache read failed, using store")
	}

	q, err := h.store.GetQuest(ctx, questID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "quest not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load quest"})
	}

	var current float64
	if q.Scope == models.ScopeSquad {
		if squadID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "squad_id is required for squad quests"})
		}
		current, err = h.store.SquadProgress(ctx, questID, squadID)
	} else {
		squadID = ""
		current, err = h.store.CommunityProgress(ctx, questID)
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to compute progress"})
	}

	p = cache.Progress{Current: current, Goal: q.CompletionGoal(), UpdatedAt: time.Now().UTC()}
	if err := h.progress.Set(ctx, questID, squadID, p); err != nil {
		h.logger.Warn().Err(err).Str("quest_id", questID).Msg("failed to repopulate progress cache")
	}
	return c.JSON(progressResponse{QuestID: questID, SquadID: squadID, Current: p.Current, Goal: p.Goal, UpdatedAt: p.UpdatedAt, Source: "store"})
}

func (h *QuestHandler) GetUserRewards(c *fiber.Ctx) error {
	return h.rewardsOf(c, c.Params("id"))
}

func (h *QuestHandler) GetMyRewards(c *fiber.Ctx) error {
	return h.rewardsOf(c, c.Locals(middleware.LocalUserID).(string))
}

func (h *QuestHandler) rewardsOf(c *fiber.Ctx, recipient string) error {
	limit := c.QueryInt("limit", defaultRewardsLimit)
	if limit <= 0 || limit > 500 {
		limit = defaultRewardsLimit
	}
	entries, err := h.store.LedgerForRecipient(c.UserContext(), recipient, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("recipient", recipient).Msg("failed to list rewards")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list rewards"})
	}
	return c.JSON(fiber.Map{"recipient_id": recipient, "rewards": entries})
}

func (h *QuestHandler) GetMyNotifications(c *fiber.Ctx) error {
	userID := c.Locals(middleware.LocalUserID).(string)
	ns, err := h.store.NotificationsFor(c.UserContext(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list notifications"})
	}
	return c.JSON(fiber.Map{"notifications": ns})
}
