package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chathub/config"
	"chathub/metrics"
	"chathub/routes"
	"chathub/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := services.OpenSQLStore(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database ready", "driver", cfg.Database.Driver)

	var conversations services.ChatStore = db
	if cfg.Database.ConversationBackend == config.BackendDynamoDB {
		client, err := services.NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return err
		}
		dynamo := services.NewDynamoStore(client, cfg.DynamoDB.TablePrefix, logger)
		if err := dynamo.EnsureTables(ctx); err != nil {
			return err
		}
		conversations = dynamo
		logger.Info("conversations stored in dynamodb", "endpoint", cfg.DynamoDB.Endpoint, "region", cfg.DynamoDB.Region)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clock := services.NewClock(cfg.Timezone)
	relay := services.NewRelayService(services.RelayDeps{
		Conversations: conversations,
		Credentials:   db,
		Provider:      services.NewProviderClient(cfg.Provider, logger),
		ProviderID:    cfg.Provider.ID,
		Clock:         clock,
		Metrics:       metrics.NewRelayMetrics(reg),
		Logger:        logger,
	})

	router := routes.SetupRouter(routes.Deps{
		Relay:       relay,
		History:     services.NewHistoryService(conversations, clock, logger),
		Catalog:     services.NewCatalogService(db, clock),
		Users:       db,
		DB:          db,
		Clock:       clock,
		Gatherer:    reg,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "provider", cfg.Provider.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
