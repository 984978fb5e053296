package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kanbu/api/internal/app"
	"kanbu/api/internal/authpw"
	"kanbu/api/internal/config"
	"kanbu/api/internal/email"
	"kanbu/api/internal/export"
	"kanbu/api/internal/files"
	"kanbu/api/internal/github"
	"kanbu/api/internal/realtime"
	"kanbu/api/internal/search"
	"kanbu/api/internal/session"
	"kanbu/api/internal/store"
	"kanbu/api/internal/undo"
	"kanbu/api/internal/wiki"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal(logger, "migrations failed", err)
	}

	if err := os.MkdirAll(cfg.WikiReposDir, 0o755); err != nil {
		fatal(logger, "failed to create wiki repos dir", err)
	}

	pg := store.NewPostgresStore(db)
	wikiService := wiki.New(cfg.WikiReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	// Redis backs refresh sessions and the realtime fan-out. Without it the
	// API still serves requests, with both features disabled.
	var sessions *session.RedisStore
	var hub *realtime.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal(logger, "invalid REDIS_URL", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		sessions = session.NewRedisStoreWithClient(redisClient)
		hub = realtime.NewHub(redisClient, logger)
		go func() {
			if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("realtime hub stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, using Postgres refresh sessions, realtime disabled")
	}

	var fileService *files.Service
	if cfg.MinioEndpoint != "" {
		fileService, err = files.NewService(ctx, files.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			fatal(logger, "object storage connection failed", err)
		}
	}

	exportService := export.NewService(pg, wikiService)
	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var ghClient *github.Client
	if cfg.GitHubAppID != 0 && cfg.GitHubPrivateKeyPath != "" {
		appAuth, err := github.NewAppAuth(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath, cfg.GitHubAPIBaseURL)
		if err != nil {
			fatal(logger, "github app auth failed", err)
		}
		ghClient = github.NewClient(appAuth)
	}

	manager := undo.NewManager(pg)
	authService := authpw.NewService(pg)
	service := app.New(cfg, pg, sessions, manager, hub, searchService, wikiService, fileService, exportService, emailService, ghClient, authService, logger)
	appServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, logger)

	mux := http.NewServeMux()
	if cfg.GitHubWebhookSecret != "" {
		var publisher github.Publisher
		if hub != nil {
			publisher = githubPublisher{hub: hub}
		}
		mux.Handle("/webhooks/github", github.NewWebhook(cfg.GitHubWebhookSecret, pg, publisher, logger))
	}
	mux.Handle("/", appServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("kanbu api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// githubPublisher forwards webhook-driven link changes onto the realtime bus.
type githubPublisher struct {
	hub *realtime.Hub
}

func (p githubPublisher) PublishGitHubUpdate(ctx context.Context, projectID, taskID string) {
	payload, err := json.Marshal(map[string]string{"taskId": taskID})
	if err != nil {
		return
	}
	_ = p.hub.Publish(ctx, realtime.Event{
		Type:      realtime.EventGitHubUpdated,
		ProjectID: projectID,
		Actor:     "github",
		Payload:   payload,
	})
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
