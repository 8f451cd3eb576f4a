package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	fsbackend "github.com/banux/imgshelf/internal/backend/fs"
	sqlitebackend "github.com/banux/imgshelf/internal/backend/sqlite"
	"github.com/banux/imgshelf/internal/config"
	"github.com/banux/imgshelf/internal/library"
	"github.com/banux/imgshelf/internal/logging"
	"github.com/banux/imgshelf/internal/media"
	"github.com/banux/imgshelf/internal/server"
	"github.com/banux/imgshelf/web"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: .env not loaded: %v", err)
	}

	cfg, err := config.Load(config.FindConfigFile())
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("store error", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	logger.Info("store opened", zap.String("backend", cfg.Backend), zap.String("path", cfg.StorePath()))

	files, err := media.NewFiles(cfg.UploadsDir)
	if err != nil {
		logger.Fatal("uploads dir error", zap.Error(err))
	}

	lib := library.New(store, files, library.Options{
		Services:     cfg.Services,
		MaxDimension: cfg.MaxDimension,
		Logger:       logger.Named("library"),
	})
	srv := server.New(lib, server.Options{
		MaxUploadSize: cfg.MaxUploadBytes(),
		MaxFiles:      cfg.MaxFiles,
		UploadsDir:    cfg.UploadsDir,
		StaticFS:      web.FS,
		Logger:        logger.Named("http"),
	})

	logger.Info("imgshelf starting", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// openStore returns the metadata store selected by cfg.Backend.
func openStore(cfg config.Config) (library.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlitebackend.New(cfg.StorePath())
	default:
		return fsbackend.New(cfg.StorePath())
	}
}
