// Package storage selects and opens the configured KVStore backend.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/storage/badger"
	"github.com/tjfontaine/insight-pipeline/internal/storage/memory"
	"github.com/tjfontaine/insight-pipeline/internal/storage/sqlite"
)

// Backend names accepted in configuration.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// KVStore re-exports ports.KVStore for callers outside the core.
type KVStore = ports.KVStore

// Config selects a backend.
type Config struct {
	Type string
	Path string
}

// Open returns the KVStore for cfg. An empty type selects memory.
func Open(cfg Config, logger *slog.Logger) (KVStore, error) {
	switch cfg.Type {
	case "", BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite storage requires a path")
		}
		return sqlite.New(cfg.Path)
	case BackendBadger:
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger storage requires a path")
		}
		bc := badger.DefaultConfig(cfg.Path)
		bc.Logger = logger
		return badger.Open(bc)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
