package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"intake/api/internal/app"
	"intake/api/internal/authpw"
	"intake/api/internal/config"
	"intake/api/internal/documents"
	"intake/api/internal/email"
	"intake/api/internal/export"
	"intake/api/internal/gateway"
	"intake/api/internal/notify"
	"intake/api/internal/search"
	"intake/api/internal/session"
	"intake/api/internal/store"
	"intake/api/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("intake api stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}
	dataStore := store.NewPostgresStore(db)

	definition := workflow.DefaultDefinition()
	if strings.TrimSpace(cfg.SectionsFile) != "" {
		definition, err = workflow.LoadDefinition(cfg.SectionsFile)
		if err != nil {
			return err
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	sessions := session.NewRedisStoreWithClient(redisClient)
	defer sessions.Close()
	if err := sessions.Ping(ctx); err != nil {
		return err
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	go searchService.ReindexAllFromPG(ctx)

	remote := gateway.NewRemote(dataStore, notify.NewBus(redisClient, logger), searchService, logger)

	var docService *documents.Service
	blobs, err := documents.NewMinioStore(documents.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err == nil {
		err = blobs.EnsureBucket(ctx)
	}
	if err != nil {
		logger.Warn("document storage unavailable, uploads disabled", "error", err)
	} else {
		docService = documents.NewService(blobs, documents.NewOCRClient(cfg.OCRURL), dataStore, searchService, logger)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("SMTP not configured, email disabled")
	}

	deps := app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Auth:     authpw.NewService(dataStore),
		Gateway:  remote,
		Search:   searchService,
		Export:   export.NewService(dataStore, cfg.ReportPaper),
		Mailer:   mailer,
		Sections: definition.NewSections(),
		Title:    definition.Title,
		Logger:   logger,
	}
	// A nil *documents.Service in the interface field would look configured.
	if docService != nil {
		deps.Documents = docService
	}
	service := app.New(cfg, deps)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("intake api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Pending autosave drafts are flushed before the store goes away.
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("intake shutdown", "error", err)
	}
	return nil
}
