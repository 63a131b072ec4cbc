package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/storage"
)

const defaultDBName = "autolauncher.db"

// mapStorageConfig resolves relative paths against dir (the config file's
// directory). An absent storage section means sqlite next to the config.
func mapStorageConfig(cfg *config.Config, dir string) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: filepath.Join(dir, defaultDBName), BusyTimeout: 5 * time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := resolvePath(dir, strings.TrimSpace(sc.Path))

	switch driver {
	case "", "none":
		return storage.Config{Driver: "none"}, nil
	case "file":
		if path == "" {
			path = filepath.Join(dir, "data")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}
