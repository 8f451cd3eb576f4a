// Package config handles loading application configuration from a YAML file
// with environment variable overrides.
//
// Config file format (imgshelf.yaml):
//
//	listen_addr: ":3000"
//	data_dir: "./data"
//	uploads_dir: "./uploads"
//	backend: "fs"
//	max_dimension: 8192
//	services:
//	  - name: ETFG
//	    width: 1280
//	    height: 853
//
// Configuration sources, in increasing priority order:
//  1. Built-in defaults
//  2. YAML config file (located by FindConfigFile or explicit path)
//  3. Environment variables (PORT, LISTEN_ADDR, DATA_DIR, UPLOADS_DIR,
//     BACKEND, LOG_LEVEL)
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banux/imgshelf/internal/library"
	"github.com/banux/imgshelf/internal/media"
)

// Config holds all application configuration.
type Config struct {
	// ListenAddr is the TCP address for the HTTP server (e.g. ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the metadata store (images.json or images.db).
	DataDir string `yaml:"data_dir"`

	// UploadsDir holds every stored image file.
	UploadsDir string `yaml:"uploads_dir"`

	// Backend selects the store implementation.
	// "fs"     – single JSON document, rewritten on every change (default)
	// "sqlite" – SQLite database, rewritten in one transaction per change
	Backend string `yaml:"backend"`

	// MaxUploadMB is the per-file upload limit in megabytes.
	MaxUploadMB int `yaml:"max_upload_mb"`

	// MaxFiles is the maximum number of files in one upload batch.
	MaxFiles int `yaml:"max_files"`

	// MaxDimension caps the width and height of any resized image, both
	// resized downloads and service variants.
	MaxDimension int `yaml:"max_dimension"`

	// LogLevel is a zap level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`

	// Services is the ordered service table used for classification and
	// service image sizes.
	Services []library.Service `yaml:"services"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":3000",
		DataDir:      "./data",
		UploadsDir:   "./uploads",
		Backend:      "fs",
		MaxUploadMB:  10,
		MaxFiles:     20,
		MaxDimension: media.DefaultMaxDimension,
		LogLevel:     "info",
		Services:     append([]library.Service(nil), library.DefaultServices...),
	}
}

// Load reads configuration from the YAML file at path (if non-empty), then
// applies environment variable overrides on top. Returns the merged Config.
// If path is empty, only defaults and environment variables are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	// PORT is the conventional variable on PaaS hosts; LISTEN_ADDR wins when
	// both are set.
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.UploadsDir = v
	}
	if v := os.Getenv("BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, cfg.Validate()
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q (want fs or sqlite)", c.Backend)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be positive, got %d", c.MaxFiles)
	}
	if c.MaxDimension <= 0 {
		return fmt.Errorf("max_dimension must be positive, got %d", c.MaxDimension)
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("service %q listed twice", s.Name)
		}
		seen[s.Name] = true
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("service %q: size %dx%d must be positive", s.Name, s.Width, s.Height)
		}
		if s.Width > c.MaxDimension || s.Height > c.MaxDimension {
			return fmt.Errorf("service %q: size %dx%d exceeds max_dimension %d", s.Name, s.Width, s.Height, c.MaxDimension)
		}
	}
	return nil
}

// MaxUploadBytes returns the per-file limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// StorePath returns the metadata file path for the configured backend.
func (c Config) StorePath() string {
	if c.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "images.db")
	}
	return filepath.Join(c.DataDir, "images.json")
}

// FindConfigFile returns the path to the first config file found in the
// standard search order, or "" if none is found.
//
// Search order:
//  1. IMGSHELF_CONFIG environment variable (explicit override)
//  2. ./imgshelf.yaml (current working directory)
//  3. ~/.config/imgshelf/config.yaml (XDG user config)
func FindConfigFile() string {
	if p := os.Getenv("IMGSHELF_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("imgshelf.yaml"); err == nil {
		return "imgshelf.yaml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "imgshelf", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
