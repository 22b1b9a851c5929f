package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"quest-pipeline/broker"
	"quest-pipeline/cache"
	"quest-pipeline/config"
	"quest-pipeline/handlers"
	"quest-pipeline/logger"
	"quest-pipeline/services"
	"quest-pipeline/store"
	"quest-pipeline/utils"
	"quest-pipeline/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", "console")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	st := store.New(db, log)
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	progress, err := cache.Open(ctx, cfg.RedisURL, cfg.ProgressKeyPrefix, cfg.ProgressTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer progress.Close()

	bus, err := broker.Dial(cfg.RabbitMQURL, cfg.Topology, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer bus.Close()

	topo := bus.Topology()
	contributionQueue, rewardQueue := topo.ContributionQueue(), topo.RewardQueue()
	if err := bus.DeclareTopology(); err != nil {
		log.Fatal().Err(err).Msg("failed to declare exchanges")
	}
	for _, q := range []broker.QueueSpec{contributionQueue, rewardQueue} {
		if err := bus.DeclareQueue(q); err != nil {
			log.Fatal().Err(err).Str("queue", q.Name).Msg("failed to declare queue")
		}
	}

	notifier := services.NewNotificationService(st, log)
	processor := services.NewContributionProcessor(st, progress, bus, log)
	distributor := services.NewRewardDistributor(st, st, notifier, log)
	lifecycle := services.NewLifecycleService(st, notifier, services.LifecycleConfig{
		BroadcastRecipient: cfg.BroadcastRecipient,
		ExpiryGrace:        cfg.ExpiryGrace,
	}, log)
	matcher := services.NewMeetupMatcher(st, processor, log)

	var wg sync.WaitGroup
	consume := func(spec broker.QueueSpec, handle broker.HandlerFunc) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := broker.ConsumeOptions{MaxRetries: cfg.MaxRetries, HandlerTimeout: cfg.HandlerTimeout}
			if err := bus.Consume(ctx, spec, opts, handle); err != nil && ctx.Err() == nil {
				// a dead consumer leaves its queue unserved, let the orchestrator restart us
				log.Error().Err(err).Str("queue", spec.Name).Msg("❌ consumer stopped unexpectedly")
				stop()
			}
		}()
	}
	consume(contributionQueue, processor.Handle)
	consume(rewardQueue, distributor.Handle)

	sched, err := workers.NewScheduler(ctx, lifecycle, matcher, workers.ScheduleConfig{
		LifecycleInterval: cfg.LifecycleInterval,
		MeetupInterval:    cfg.MeetupInterval,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	sched.Start()

	if cfg.ReconcileInterval > 0 {
		workers.NewProgressReconciler(st, progress, cfg.ReconcileInterval, log).Start(ctx)
	}

	if cfg.R2.Enabled() {
		r2, err := utils.NewR2Client(ctx, utils.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
			Endpoint:        cfg.R2.Endpoint,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize R2 client")
		}
		archiver := workers.NewDLQArchiver(bus, r2, []string{contributionQueue.DLQName, rewardQueue.DLQName}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			archiver.Run(ctx)
		}()
	} else {
		log.Info().Msg("⚠️ R2_BUCKET_NAME not set, dead letters stay in their queues")
	}

	app := newApp(log)
	handlers.SetupQuestRoutes(app, handlers.NewQuestHandler(st, progress, log), cfg.GatewayToken)

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("contribution_queue", contributionQueue.Name).
		Str("reward_queue", rewardQueue.Name).
		Int("max_retries", cfg.MaxRetries).
		Msg("✅ quest pipeline running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := sched.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown")
	}
	wg.Wait()
}

func newApp(log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 * 1024 * 1024,
	})
	app.Use(recover.New())

	origins := os.Getenv("ALLOWED_ORIGINS")
	if origins == "" {
		log.Info().Msg("⚠️ ALLOWED_ORIGINS not set, using default: http://localhost:3000")
		origins = "http://localhost:3000"
	}
	list := strings.Split(origins, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(list, ","),
		AllowMethods: "GET,OPTIONS,HEAD",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles",
		MaxAge:       86400,
	}))
	return app
}
