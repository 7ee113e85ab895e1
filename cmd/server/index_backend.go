package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/tuning"
)

type tickWriter interface {
	WriteTick(entry persistlog.TickEntry) error
}

type runtimeIndex interface {
	tickWriter
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}
