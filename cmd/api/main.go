package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"petlify/api/db"
	"petlify/api/internal/app"
	"petlify/api/internal/auth"
	"petlify/api/internal/authpw"
	"petlify/api/internal/blob"
	"petlify/api/internal/chat"
	"petlify/api/internal/config"
	"petlify/api/internal/logging"
	"petlify/api/internal/metrics"
	"petlify/api/internal/realtime"
	"petlify/api/internal/search"
	"petlify/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "json", os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer sqlDB.Close()

	if err := store.ApplyMigrations(ctx, sqlDB, migrations(cfg.MigrationsDir)); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	m := metrics.New()
	dataStore := store.NewPostgresStore(sqlDB)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AccessTTL)

	blobStore, err := blob.NewMinioStore(ctx, blob.Options{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		Region:        cfg.S3Region,
		UseSSL:        cfg.S3UseSSL,
		PublicBaseURL: cfg.S3PublicBaseURL,
		PublicPrefix:  cfg.UploadFolder,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("blob storage unavailable")
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewPgFTS(sqlDB), dataStore, logger)
	if cfg.ReindexOnStart {
		go searchService.ReindexAllFromPG(ctx)
	}

	ioServer := realtime.NewServer(cfg.CORSOrigin)
	var bus *realtime.RedisBus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err = realtime.NewRedisBus(cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer bus.Close()
		logger.Info().Str("channel", cfg.RedisChannel).Msg("real-time events fan out through redis")
	}
	hub := realtime.NewHub(realtime.NewEmitter(ioServer), busOrNil(bus), m, logger)
	if bus != nil {
		stopListening, err := bus.Listen(ctx, hub.Deliver)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis subscribe failed")
		}
		defer stopListening()
	}

	chatService := chat.NewService(chat.Deps{
		Store:    dataStore,
		Blob:     blobStore,
		Notifier: hub,
		Indexer:  searchService,
		Metrics:  m,
		Logger:   logger,
	}, chat.Options{
		DefaultSubject:        cfg.DefaultSubject,
		AttachmentPlaceholder: cfg.AttachmentPlaceholder,
		MaxMessageLength:      cfg.MaxMessageLength,
		MaxUploadFiles:        cfg.MaxUploadFiles,
		MaxUploadBytes:        cfg.MaxUploadBytes,
		UploadFolder:          cfg.UploadFolder,
	})

	realtime.NewGateway(verifier, chatService, m, logger).Register(ioServer)
	go func() {
		if err := ioServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("socket.io server stopped")
		}
	}()
	defer ioServer.Close()

	httpServer := app.NewHTTPServer(app.Deps{
		Chat:          chatService,
		Accounts:      authpw.NewService(dataStore, verifier),
		Search:        searchService,
		Verifier:      verifier,
		DB:            dataStore,
		Metrics:       m,
		Logger:        logger,
		CORSOrigin:    cfg.CORSOrigin,
		MaxUploadBody: int64(cfg.MaxUploadFiles)*cfg.MaxUploadBytes + 1<<20,
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", ioServer)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Petlify API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

// migrations returns dir when set, the embedded migrations otherwise.
func migrations(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	return db.FS()
}

// busOrNil keeps a nil *RedisBus from becoming a non-nil Bus.
func busOrNil(bus *realtime.RedisBus) realtime.Bus {
	if bus == nil {
		return nil
	}
	return bus
}

