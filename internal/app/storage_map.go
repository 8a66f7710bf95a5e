package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/storage"
)

const defaultStorePath = "./posts.json"

// mapStorageConfig resolves the storage section. An omitted section means
// the file driver at ./posts.json.
func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStorePath, Location: loc}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file", "json":
		if path == "" {
			path = defaultStorePath
		}
		return storage.Config{Driver: "file", Path: path, Location: loc}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Location: loc}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
