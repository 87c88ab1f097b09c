package app

import (
	"context"
	"log/slog"

	httpapp "github.com/pollwave/pollwave/internal/app/http"
	"github.com/pollwave/pollwave/internal/cache"
	"github.com/pollwave/pollwave/internal/config"
	"github.com/pollwave/pollwave/internal/events"
	"github.com/pollwave/pollwave/internal/handlers"
	"github.com/pollwave/pollwave/internal/live"
	"github.com/pollwave/pollwave/internal/repo/postgres"
	"github.com/pollwave/pollwave/internal/scheduler"
	"github.com/pollwave/pollwave/internal/services"
)

type App struct {
	HTTPServer *httpapp.App
	Polling    *services.Polling
	Scheduler  *scheduler.Scheduler

	log       *slog.Logger
	storage   *postgres.Storage
	cache     *cache.Redis
	publisher *events.Publisher
	hubCancel context.CancelFunc
}

func NewApp(log *slog.Logger, cfg *config.Config) *App {
	storage, err := postgres.New(cfg.StoragePath)
	if err != nil {
		panic(err)
	}

	redisCache, err := cache.New(cfg.Redis.Addr)
	if err != nil {
		panic(err)
	}

	publisher, err := events.NewPublisher(cfg.Rabbit.URL)
	if err != nil {
		panic(err)
	}

	hub := live.NewHub(log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	pollingService := services.NewPolling(
		log,
		storage,
		storage,
		redisCache,
		publisher,
		hub,
		cfg.Cache.PollTTL,
		cfg.Cache.ResultsTTL,
		cfg.Sweeper.ArchiveAfter,
	)

	votingHandler := handlers.NewVotingHandler(log, pollingService, hub)
	httpApp := httpapp.NewApp(log, cfg.HTTP.Port, votingHandler)

	sweeper, err := scheduler.New(log, pollingService, cfg.Sweeper.ExpireEvery, cfg.Sweeper.ArchiveEvery)
	if err != nil {
		panic(err)
	}

	return &App{
		HTTPServer: httpApp,
		Polling:    pollingService,
		Scheduler:  sweeper,
		log:        log,
		storage:    storage,
		cache:      redisCache,
		publisher:  publisher,
		hubCancel:  hubCancel,
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.Scheduler.Stop()

	if err := a.HTTPServer.Stop(ctx); err != nil {
		return err
	}

	a.hubCancel()

	if err := a.publisher.Close(); err != nil {
		a.log.Warn("failed to close publisher", slog.String("error", err.Error()))
	}
	if err := a.cache.Close(); err != nil {
		a.log.Warn("failed to close cache", slog.String("error", err.Error()))
	}

	return a.storage.Close()
}
