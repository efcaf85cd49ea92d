package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/audit"
	"github.com/coralreef/tito-station/internal/config"
	"github.com/coralreef/tito-station/internal/event"
	"github.com/coralreef/tito-station/internal/handler"
	"github.com/coralreef/tito-station/internal/legacy"
	"github.com/coralreef/tito-station/internal/remote"
	"github.com/coralreef/tito-station/internal/repository"
	syncengine "github.com/coralreef/tito-station/internal/sync"
	"github.com/coralreef/tito-station/internal/ticket"
	"github.com/coralreef/tito-station/internal/worker"
	"github.com/coralreef/tito-station/pkg/database"
	"github.com/coralreef/tito-station/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting TITO station service",
		zap.String("station", cfg.Station.ID),
		zap.Int("port", cfg.Server.Port))

	db, err := database.Open(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open local ledger", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(); err != nil {
		logger.Fatal("Failed to run schema migrations", zap.Error(err))
	}
	version, err := migrator.SchemaVersion()
	if err != nil {
		logger.Fatal("Failed to read schema version", zap.Error(err))
	}
	logger.Info("Local ledger ready", zap.Int("schema_version", version))

	// Repositories
	voucherRepo := repository.NewVoucherRepository(db.DB, logger)
	auditRepo := repository.NewAuditRepository(db.DB, logger)
	cursorRepo := repository.NewCursorRepository(db.DB, logger)
	configRepo := repository.NewConfigRepository(db.DB, logger)

	trail := audit.NewTrail(auditRepo, cfg.Station.ID, logger)
	bus := event.NewBus(64, logger)
	defer bus.Close()

	signer := ticket.NewSigner(cfg.Station.Secret)
	codes := ticket.NewCodeGenerator(cfg.Station.CodePrefix)

	tickets := ticket.NewService(db, voucherRepo, trail, bus, codes, signer,
		cfg.Station.ExpiryWindow, logger)

	// The legacy migration must finish before any traffic or sync pass
	// touches the store.
	legacyMigrator := legacy.NewMigrator(db, voucherRepo, configRepo, trail, signer,
		cfg.Station.ExpiryWindow, logger)
	if report, err := legacyMigrator.Run(context.Background()); err != nil {
		logger.Fatal("Legacy migration failed", zap.Error(err))
	} else if report.Migrated > 0 || report.Failed > 0 {
		logger.Info("Legacy migration report",
			zap.Int("migrated", report.Migrated),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}

	ledger := remote.NewClient(remote.Config{
		BaseURL:  cfg.Remote.BaseURL,
		APIKey:   cfg.Remote.APIKey,
		Timeout:  cfg.Remote.Timeout,
		RetryMax: cfg.Remote.RetryMax,
	}, logger)

	engine := syncengine.NewEngine(voucherRepo, auditRepo, cursorRepo, trail, tickets,
		ledger, bus, syncengine.Config{
			Interval:    cfg.Sync.Interval,
			BatchSize:   cfg.Sync.BatchSize,
			ItemTimeout: cfg.Sync.ItemTimeout,
		}, logger)

	workers := worker.NewManager(logger)
	workers.Register(engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := workers.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := handler.NewHandlers(tickets, trail, voucherRepo, engine, logger)
	router := handler.NewRouter(handlers, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workers.StopAll()
	logger.Info("Station service exited")
}
