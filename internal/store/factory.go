package store

import (
	"context"
	"fmt"
	"log/slog"

	"expenseclient/internal/config"
)

// BackendType names a Store implementation
type BackendType string

const (
	MemoryBackend BackendType = "memory"
	FileBackend   BackendType = "file"
	SQLiteBackend BackendType = "sqlite"
	RedisBackend  BackendType = "redis"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, FileBackend, SQLiteBackend, RedisBackend:
		return true
	default:
		return false
	}
}

// Options holds what a backend needs to open
type Options struct {
	Type         BackendType
	FilePath     string
	SQLiteDBPath string
	RedisURL     string
	RedisPrefix  string
}

// OptionsFromConfig converts the application config to store options
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(cfg.StoreBackend)
	if !backendType.IsValid() {
		return Options{}, fmt.Errorf("invalid store backend in config: %s", cfg.StoreBackend)
	}

	return Options{
		Type:         backendType,
		FilePath:     cfg.StoreFilePath,
		SQLiteDBPath: cfg.SQLiteDBPath,
		RedisURL:     cfg.RedisURL,
		RedisPrefix:  cfg.RedisPrefix,
	}, nil
}

// Open creates the store selected by opts
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Type {
	case MemoryBackend:
		logger.Debug("Initialized memory store")
		return NewMemoryStore(), nil

	case FileBackend:
		s, err := NewFileStore(opts.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file store: %w", err)
		}
		logger.Debug("Initialized file store", "path", opts.FilePath)
		return s, nil

	case SQLiteBackend:
		s, err := NewSQLiteStore(opts.SQLiteDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		logger.Debug("Initialized SQLite store", "db_path", opts.SQLiteDBPath)
		return s, nil

	case RedisBackend:
		s, err := NewRedisStoreFromURL(ctx, opts.RedisURL, opts.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis store: %w", err)
		}
		logger.Debug("Initialized Redis store", "prefix", opts.RedisPrefix)
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Type)
	}
}
