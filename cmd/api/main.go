package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/therings/todo-backend/internal/app"
	"github.com/therings/todo-backend/internal/authpw"
	"github.com/therings/todo-backend/internal/avatar"
	"github.com/therings/todo-backend/internal/config"
	"github.com/therings/todo-backend/internal/search"
	"github.com/therings/todo-backend/internal/session"
	"github.com/therings/todo-backend/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, cfg.DatabaseURL); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	// Refresh sessions live in Redis when configured, in Postgres otherwise.
	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info("using redis for refresh sessions")
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	var verifier authpw.CredentialVerifier
	if strings.TrimSpace(cfg.GoogleClientID) != "" {
		verifier = authpw.NewGoogleVerifier(cfg.GoogleClientID)
	}

	var objects *avatar.ObjectStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err = avatar.NewObjectStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Fatal("minio connection failed", zap.Error(err))
		}
		logger.Info("storing avatar uploads in minio", zap.String("bucket", cfg.MinioBucket))
	}

	creds := authpw.NewService(dataStore, verifier, objects)

	pgfts := search.NewPgFTS(db.Pool)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	service := app.New(cfg, dataStore, sessions, creds, searchService, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigins, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
