package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/chunkgen"
	"voxelstream.ai/internal/sim/readback"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/transport/mirror"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for defaults)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick/snapshot index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		observerAt  = flag.String("observer", "0,32,0", "initial observer position x,y,z in voxels")
		observerVel = flag.String("observer_velocity", "0,0,0", "observer movement per tick x,y,z in voxels")
		allowRemote = flag.Bool("allow_remote_mirrors", false, "accept mirror connections from non-loopback addresses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	start, err := parseVec3(*observerAt)
	if err != nil {
		logger.Fatalf("-observer: %v", err)
	}
	velocity, err := parseVec3(*observerVel)
	if err != nil {
		logger.Fatalf("-observer_velocity: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	var resumeFrom *snapshot.SnapshotV1
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		// The terrain must match what was resident when the snapshot was taken.
		tune.Terrain.Seed = snap.Seed
		resumeFrom = &snap
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	s := tune.Streaming
	ring := readback.NewRing(s.FramesInFlight, s.MaxRequestsPerFrame)
	terrain := chunkgen.NewTerrain(chunkgen.TerrainParams{
		Seed:       tune.Terrain.Seed,
		BaseHeight: tune.Terrain.BaseHeight,
		Amplitude:  tune.Terrain.Amplitude,
		Scale:      tune.Terrain.Scale,
		Octaves:    tune.Terrain.Octaves,
	})
	coord, err := streaming.New(streaming.Config{
		WindowRadius:         s.WindowRadius,
		GenerationRadius:     s.GenerationRadius,
		MaxBrickSlots:        s.MaxBrickSlots,
		MaxPaletteEntries:    s.MaxPaletteEntries,
		FramesInFlight:       s.FramesInFlight,
		MaxInFlight:          s.MaxInFlight,
		GenRequestsPerSecond: s.GenRequestsPerSecond,
		GenBurst:             s.GenBurst,
		Observer:             start,
	}, terrain, ring, ring, logger)
	if err != nil {
		logger.Fatalf("streaming: %v", err)
	}
	defer coord.Close()
	logger.Printf("window side=%d generation_radius=%d %s", coord.World().Window().Side, s.GenerationRadius, arenaBudget(s))

	hub := mirror.NewHub(mirror.HubConfig{
		WorldID:        *worldID,
		FramesInFlight: s.FramesInFlight,
		MaxBricks:      tune.Mirror.MaxBricksPerMessage,
		SendQueue:      tune.Mirror.SendQueue,
	}, logger)

	tickLog := persistlog.NewTickLogger(worldDir)
	defer tickLog.Close()
	logs := []tickWriter{tickLog}
	if idx != nil {
		logs = append(logs, idx)
	}

	snapCh := make(chan snapshot.SnapshotV1, 2)
	h := &host{
		worldID:  *worldID,
		tune:     tune,
		coord:    coord,
		hub:      hub,
		logs:     logs,
		snaps:    snapCh,
		snapReq:  make(chan chan snapshotReply),
		logger:   logger,
		now:      time.Now,
		observer: start,
		velocity: velocity,
	}
	if resumeFrom != nil {
		if err := h.resume(*resumeFrom); err != nil {
			logger.Fatalf("resume: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d observer=%v", filepath.Base(snapshotToLoad), h.tick, coord.Observer())
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		snapshotWriter(worldDir, snapCh, idx, &h.snapshots, logger)
	}()

	ctx, cancel := signalContext()
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		defer cancel()
		if err := runLoop(ctx, h); err != nil {
			if errors.Is(err, arena.ErrCapacityExceeded) {
				logger.Printf("working set exhausted its arenas: %v", err)
			} else {
				logger.Printf("streaming stopped: %v", err)
			}
		}
		hub.Close()
		h.queueSnapshot()
		close(snapCh)
	}()

	mirrorSrv := mirror.NewServer(hub, ring, logger)
	mirrorSrv.AllowRemote = *allowRemote

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(*worldID, h, idx))
	if envBool("VS_ENABLE_ADMIN_HTTP", true) {
		mux.HandleFunc("/admin/v1/state", stateHandler(*worldID, h, idx))
		mux.HandleFunc("/admin/v1/snapshot", snapshotHandler(h))
	} else {
		logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VS_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/mirror/ws", mirrorSrv.WSHandler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	<-loopDone
	<-writerDone
}

// runLoop steps h at the configured tick rate until ctx is done.
func runLoop(ctx context.Context, h *host) error {
	ticker := time.NewTicker(time.Second / time.Duration(h.tune.TickRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.step(); err != nil {
				return err
			}
		case reply := <-h.snapReq:
			h.serveSnapshotRequest(reply)
		}
	}
}

type indexStats interface {
	Stats() indexdb.Stats
}

func metricsHandler(worldID string, h *host, idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := h.metrics.Load()
		if m == nil {
			m = &hostMetrics{}
		}
		ws := m.Stats.World

		fmt.Fprintf(rw, "# HELP voxelstream_tick Current streaming tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_tick gauge\n")
		fmt.Fprintf(rw, "voxelstream_tick{world=%q} %d\n", worldID, m.Tick)

		fmt.Fprintf(rw, "# HELP voxelstream_chunks Resident chunk count by status.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_chunks gauge\n")
		fmt.Fprintf(rw, "voxelstream_chunks{world=%q,status=%q} %d\n", worldID, "unloaded", ws.Unloaded)
		fmt.Fprintf(rw, "voxelstream_chunks{world=%q,status=%q} %d\n", worldID, "loading", ws.Loading)
		fmt.Fprintf(rw, "voxelstream_chunks{world=%q,status=%q} %d\n", worldID, "loaded", ws.Loaded)
		fmt.Fprintf(rw, "voxelstream_chunks{world=%q,status=%q} %d\n", worldID, "loaded_empty", ws.LoadedEmpty)

		fmt.Fprintf(rw, "# HELP voxelstream_arena Arena occupancy.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_arena gauge\n")
		fmt.Fprintf(rw, "voxelstream_arena{world=%q,metric=%q} %d\n", worldID, "brick_slots", ws.BrickSlots)
		fmt.Fprintf(rw, "voxelstream_arena{world=%q,metric=%q} %d\n", worldID, "live_bricks", ws.LiveBricks)
		fmt.Fprintf(rw, "voxelstream_arena{world=%q,metric=%q} %d\n", worldID, "palette_entries", ws.PaletteEntries)

		fmt.Fprintf(rw, "# HELP voxelstream_in_flight Chunk generation requests in flight.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_in_flight gauge\n")
		fmt.Fprintf(rw, "voxelstream_in_flight{world=%q} %d\n", worldID, m.Stats.InFlight)

		fmt.Fprintf(rw, "# HELP voxelstream_generated_total Chunks generated by the worker.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_generated_total counter\n")
		fmt.Fprintf(rw, "voxelstream_generated_total{world=%q} %d\n", worldID, m.Generated)

		fmt.Fprintf(rw, "# HELP voxelstream_discarded_total Requests discarded by the worker as out of bounds.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_discarded_total counter\n")
		fmt.Fprintf(rw, "voxelstream_discarded_total{world=%q} %d\n", worldID, m.Discarded)

		fmt.Fprintf(rw, "# HELP voxelstream_mirrors Connected mirror sessions.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_mirrors gauge\n")
		fmt.Fprintf(rw, "voxelstream_mirrors{world=%q} %d\n", worldID, m.Mirrors)

		fmt.Fprintf(rw, "# HELP voxelstream_snapshots_total Snapshots written.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_snapshots_total counter\n")
		fmt.Fprintf(rw, "voxelstream_snapshots_total{world=%q} %d\n", worldID, h.snapshots.Load())

		fmt.Fprintf(rw, "# HELP voxelstream_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_step_ms gauge\n")
		fmt.Fprintf(rw, "voxelstream_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

		if is, ok := idx.(indexStats); ok {
			st := is.Stats()
			fmt.Fprintf(rw, "# HELP voxelstream_index_queue_depth Pending index writes.\n")
			fmt.Fprintf(rw, "# TYPE voxelstream_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "voxelstream_index_queue_depth{world=%q} %d\n", worldID, st.QueueDepth)
			fmt.Fprintf(rw, "# HELP voxelstream_index_dropped_total Index writes dropped while the indexer was behind.\n")
			fmt.Fprintf(rw, "# TYPE voxelstream_index_dropped_total counter\n")
			fmt.Fprintf(rw, "voxelstream_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "tick", st.DropTickTotal)
			fmt.Fprintf(rw, "voxelstream_index_dropped_total{world=%q,kind=%q} %d\n", worldID, "snapshot", st.DropSnapshotTotal)
		}
	}
}

// Local-only admin endpoints.
func stateHandler(worldID string, h *host, idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := struct {
			WorldID   string         `json:"world_id"`
			Metrics   *hostMetrics   `json:"metrics"`
			Snapshots uint64         `json:"snapshots"`
			Index     *indexdb.Stats `json:"index,omitempty"`
		}{
			WorldID:   worldID,
			Metrics:   h.metrics.Load(),
			Snapshots: h.snapshots.Load(),
		}
		if is, ok := idx.(indexStats); ok {
			st := is.Stats()
			resp.Index = &st
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func snapshotHandler(h *host) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		tick, err := h.requestSnapshot(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
