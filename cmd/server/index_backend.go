package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dynstack.ai/internal/persistence/indexdb"
	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	planner.Sink
	Close() error
	UpsertTuning(t tuning.Tuning) error
	RecordRecording(path string, h snapshot.Header)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("DYN_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "plans.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported DYN_INDEX_BACKEND: %s", backend)
	}
}
