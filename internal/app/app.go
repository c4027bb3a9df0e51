package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/infrastructure/browser"
	"LabSync/internal/infrastructure/extract"
	"LabSync/internal/infrastructure/portal"
	"LabSync/internal/infrastructure/scheduler"
	"LabSync/internal/infrastructure/storage"
	"LabSync/internal/infrastructure/telegram"
	"LabSync/internal/infrastructure/vision"
	"LabSync/internal/logging"
	"LabSync/internal/matching"
	"LabSync/internal/ports"
	"LabSync/internal/usecase"
)

// Application wires configuration to adapters and the sync orchestrator.
type Application struct {
	cfg          config.Config
	orchestrator *usecase.Orchestrator
	scheduler    *usecase.Scheduler
	sessions     *portal.Manager
	db           *sql.DB
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := storage.NewPostgresStore(db)

	sessions := portal.NewManager(browser.New, cfg.Portal, baseLogger.With("component", "portal.session"))
	fetcher := portal.NewFetcher(sessions, cfg.Portal, baseLogger.With("component", "portal.fetcher"))

	visionStrategy := extract.NewVisionStrategy(vision.NewClient(cfg.Vision), cfg.Vision.ConfidenceThreshold)
	extractors := extract.NewRegistry()
	extractors.Register(domain.KindHTML, extract.NewHTMLStrategy())
	extractors.Register(domain.KindImage, visionStrategy)
	extractors.Register(domain.KindPDF, visionStrategy)

	matcher := matching.NewMatcher(store, cfg.Match.SimilarityThreshold, baseLogger.With("component", "matcher"))
	reconciler := usecase.NewReconciler(store, baseLogger.With("component", "reconciler"))

	var notifier ports.Notifier
	if cfg.Notifications.Telegram.BotToken != "" {
		notifier = telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID)
	}

	orchestrator := usecase.NewOrchestrator(usecase.Deps{
		Source:     fetcher,
		Extractor:  extractors,
		Matcher:    matcher,
		Reconciler: reconciler,
		Registry:   store,
		Notifier:   notifier,
		Config:     cfg.Sync,
		Logger:     baseLogger.With("component", "orchestrator"),
	})

	var sched *usecase.Scheduler
	if cfg.Sync.Interval > 0 {
		driver := scheduler.NewIntervalScheduler(cfg.Sync.Interval.Std())
		sched = usecase.NewScheduler(driver, orchestrator, baseLogger.With("component", "scheduler"))
	}

	return &Application{
		cfg:          cfg,
		orchestrator: orchestrator,
		scheduler:    sched,
		sessions:     sessions,
		db:           db,
	}, nil
}

// Orchestrator exposes the sync surface to the route layer and CLI.
func (a *Application) Orchestrator() *usecase.Orchestrator {
	return a.orchestrator
}

// StartScheduler begins recurring syncs when an interval is configured.
func (a *Application) StartScheduler(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Start(ctx)
}

// Close releases the portal session and the database pool.
func (a *Application) Close() error {
	if a.scheduler != nil {
		_ = a.scheduler.Stop(context.Background())
	}
	a.sessions.Close()
	return a.db.Close()
}
