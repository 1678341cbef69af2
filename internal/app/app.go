package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"db-sync-service/internal/config"
	"db-sync-service/internal/handlers"
	"db-sync-service/internal/middleware"
	"db-sync-service/internal/models"
	"db-sync-service/internal/services"
	"db-sync-service/internal/storage"
)

type Application struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Jobs        *services.JobRegistry
	Connections *services.ConnectionRegistry
	Catalog     *services.TableCatalog
	Previewer   *services.RowPreviewer
	SyncService *services.SyncService
	Scheduler   *services.Scheduler
	History     storage.History
}

func NewApplication(cfg *config.AppConfig, logger *zap.Logger) (*Application, error) {
	app := &Application{
		Config: cfg,
		Logger: logger,
	}

	app.Jobs = services.NewJobRegistry(cfg.Jobs.Retention)
	app.Connections = services.NewConnectionRegistry(app.Jobs, cfg.Connection, logger)
	app.Catalog = services.NewTableCatalog(app.Connections, cfg.Sync.QueryTimeout, logger)
	app.Previewer = services.NewRowPreviewer(app.Connections, app.Catalog, cfg.Preview, cfg.Sync.QueryTimeout)
	app.SyncService = services.NewSyncService(app.Connections, app.Catalog, app.Jobs, cfg.Sync, logger)
	app.Scheduler = services.NewScheduler(logger)

	if cfg.Jobs.HistoryPath != "" {
		history, err := storage.OpenSQLite(cfg.Jobs.HistoryPath)
		if err != nil {
			return nil, err
		}
		if err := history.Init(context.Background()); err != nil {
			history.Close()
			return nil, err
		}
		app.History = history
		app.Jobs.OnTransition(app.recordHistory)
		logger.Sugar().Infof("Recording job history to %s", cfg.Jobs.HistoryPath)
	}

	return app, nil
}

func (app *Application) recordHistory(_ models.JobState, job models.SyncJob) {
	if !job.State.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.History.Record(ctx, job); err != nil {
		app.Logger.Sugar().Warnf("Failed to record job %s in history: %v", job.ID, err)
	}
}

// Start opens the bootstrap connections from the environment and starts the
// scheduler.
func (app *Application) Start(ctx context.Context) error {
	if err := app.connectFromEnv(ctx); err != nil {
		return err
	}

	if err := app.Scheduler.Every(app.Config.Connection.SweepInterval, "idle connection sweep", func() {
		app.Connections.Sweep()
	}); err != nil {
		return err
	}

	if app.Config.Sync.Schedule != "" {
		if len(app.Config.Sync.Tables) == 0 {
			app.Logger.Sugar().Warnf("SYNC_SCHEDULE is set but SYNC_TABLES is empty, scheduled sync disabled")
		} else {
			tables := app.Config.Sync.Tables
			if err := app.Scheduler.Schedule(app.Config.Sync.Schedule, "scheduled sync", func() {
				app.SyncService.RunScheduled(context.Background(), tables)
			}); err != nil {
				return err
			}
		}
	}

	app.Scheduler.Start()
	return nil
}

func (app *Application) connectFromEnv(ctx context.Context) error {
	fallback, err := models.ParseDriver(app.Config.Connection.DefaultDriver, models.DriverPostgres)
	if err != nil {
		return err
	}

	var cfgs []models.ConnectionConfig
	for _, db := range []struct {
		role models.Role
		cfg  config.DatabaseConfig
	}{
		{models.RoleSource, app.Config.SourceDB},
		{models.RoleTarget, app.Config.TargetDB},
	} {
		if !db.cfg.Enabled() {
			continue
		}
		cc, err := db.cfg.ConnectionConfig(db.role, fallback)
		if err != nil {
			return fmt.Errorf("invalid %s database configuration: %w", db.role, err)
		}
		cfgs = append(cfgs, cc)
	}
	if len(cfgs) == 0 {
		return nil
	}
	return app.Connections.Connect(ctx, cfgs...)
}

// Routes returns the HTTP handler with CORS and request logging applied.
func (app *Application) Routes() http.Handler {
	defaultDriver, _ := models.ParseDriver(app.Config.Connection.DefaultDriver, models.DriverPostgres)
	handler := handlers.NewHandler(handlers.Dependencies{
		Connections:   app.Connections,
		Catalog:       app.Catalog,
		Previewer:     app.Previewer,
		SyncService:   app.SyncService,
		Scheduler:     app.Scheduler,
		History:       app.History,
		DefaultDriver: defaultDriver,
		Logger:        app.Logger,
	})

	mux := http.NewServeMux()
	handler.Routes(mux, middleware.Chain(middleware.Logging(app.Logger), middleware.CORS))
	return mux
}

// Close stops the scheduler, waits for running jobs up to ctx, then closes
// every connection.
func (app *Application) Close(ctx context.Context) {
	log := app.Logger.Sugar()
	app.Scheduler.Stop()
	if err := app.SyncService.Close(ctx); err != nil {
		log.Warnf("Sync jobs interrupted during shutdown: %v", err)
	}
	app.Connections.Close()
	if app.History != nil {
		if err := app.History.Close(); err != nil {
			log.Warnf("Error closing job history: %v", err)
		}
	}
}
