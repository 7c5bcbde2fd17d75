package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"strataguard/internal/persistence/indexdb"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

type runtimeIndex interface {
	visibility.TransitionObserver
	Close() error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordStats(r indexdb.StatsRow)
	Stats() indexdb.QueueStats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STRATA_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "guard.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported STRATA_INDEX_BACKEND: %s", backend)
	}
}
