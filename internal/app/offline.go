package app

import (
	"strings"
	"time"

	"autolauncher/internal/config"
	"autolauncher/internal/storage"
	logx "autolauncher/pkg/logx"
)

// OpenStore loads the config at cfgPath and opens its store without
// starting any service.
func OpenStore(cfgPath string, log logx.Logger) (*config.Config, storage.Store, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg, cfgm.Dir())
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// Location is the scheduler timezone (local when unset or invalid).
func Location(cfg *config.Config) *time.Location {
	if cfg == nil {
		return time.Local
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
