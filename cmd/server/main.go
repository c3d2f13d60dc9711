package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"bookvault/internal/app"
	"bookvault/internal/config"
	"bookvault/internal/server"
	"bookvault/internal/storage"
	"bookvault/internal/store"
	"bookvault/internal/token"
	"bookvault/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	tokenTTL, err := config.ParseTokenTTL(cfg.TokenTTL)
	if err != nil {
		log.Fatalf("failed to parse token ttl: %v", err)
	}
	tokens, err := token.NewService(cfg.JWTSecret, tokenTTL)
	if err != nil {
		log.Fatalf("failed to init token service: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	records, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	files, err := storage.NewFileStore(cfg.UploadsDir)
	if err != nil {
		log.Fatalf("failed to init uploads dir: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:  records,
		Files:  files,
		Tokens: tokens,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		BaseURL:                    cfg.BaseURL,
		PublicCovers:               cfg.PublicCovers,
		TrustedProxies:             trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: artifact delivery streams large files and the
		// cutoff would sever slow readers mid-download.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("bookvault server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
