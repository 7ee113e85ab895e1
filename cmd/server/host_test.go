package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/chunkgen"
	"voxelstream.ai/internal/sim/readback"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/transport/mirror"
)

type recordingLog struct{ entries []persistlog.TickEntry }

func (r *recordingLog) WriteTick(e persistlog.TickEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func testTuning() tuning.Tuning {
	tune := tuning.Defaults()
	tune.SnapshotEveryTicks = 2
	tune.Streaming.WindowRadius = 2
	tune.Streaming.GenerationRadius = 1
	tune.Streaming.MaxInFlight = 8
	tune.Terrain = tuning.Terrain{Seed: 7, BaseHeight: 3, Scale: 16, Octaves: 1}
	return tune
}

func newTestHost(t *testing.T, worldID string) (*host, *recordingLog, chan snapshot.SnapshotV1) {
	t.Helper()
	tune := testTuning()
	s := tune.Streaming
	ring := readback.NewRing(s.FramesInFlight, s.MaxRequestsPerFrame)
	coord, err := streaming.New(streaming.Config{
		WindowRadius:     s.WindowRadius,
		GenerationRadius: s.GenerationRadius,
		FramesInFlight:   s.FramesInFlight,
		MaxInFlight:      s.MaxInFlight,
		GenBurst:         s.GenBurst,
	}, chunkgen.NewTerrain(chunkgen.TerrainParams{
		Seed:       tune.Terrain.Seed,
		BaseHeight: tune.Terrain.BaseHeight,
		Scale:      tune.Terrain.Scale,
		Octaves:    tune.Terrain.Octaves,
	}), ring, ring, nil)
	if err != nil {
		t.Fatalf("streaming: %v", err)
	}
	t.Cleanup(coord.Close)

	rec := &recordingLog{}
	snaps := make(chan snapshot.SnapshotV1, 64)
	h := &host{
		worldID: worldID,
		tune:    tune,
		coord:   coord,
		hub:     mirror.NewHub(mirror.HubConfig{WorldID: worldID}, nil),
		logs:    []tickWriter{rec},
		snaps:   snaps,
		now:     time.Now,
	}
	return h, rec, snaps
}

func stepUntilSettled(t *testing.T, h *host) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := h.step(); err != nil {
			t.Fatalf("step: %v", err)
		}
		st := h.coord.World().Stats()
		if h.tick >= 2 && st.Loaded+st.LoadedEmpty == 7 && h.coord.InFlight() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("sphere never settled: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHost_StepLogsEveryTickAndQueuesSnapshots(t *testing.T) {
	h, rec, snaps := newTestHost(t, "w1")
	stepUntilSettled(t, h)

	if len(rec.entries) != int(h.tick) {
		t.Fatalf("entries=%d ticks=%d", len(rec.entries), h.tick)
	}
	changes := 0
	for i, e := range rec.entries {
		if e.Tick != uint64(i+1) || e.WorldID != "w1" {
			t.Fatalf("entry %d: tick=%d world=%q", i, e.Tick, e.WorldID)
		}
		changes += e.BrickChanges
	}
	if live := h.coord.World().Stats().LiveBricks; changes < live || live == 0 {
		t.Fatalf("brick changes=%d live=%d", changes, live)
	}

	select {
	case snap := <-snaps:
		if snap.Header.Tick != 2 || snap.Header.WorldID != "w1" || snap.Seed != 7 {
			t.Fatalf("snapshot header=%+v seed=%d", snap.Header, snap.Seed)
		}
	default:
		t.Fatalf("no snapshot queued")
	}

	m := h.metrics.Load()
	if m == nil || m.Tick != h.tick {
		t.Fatalf("metrics not published: %+v", m)
	}
}

func TestHost_ResumeRestoresWorkingSet(t *testing.T) {
	a, _, _ := newTestHost(t, "w1")
	stepUntilSettled(t, a)
	snap := a.snapshot()

	b, _, _ := newTestHost(t, "w1")
	if err := b.resume(snap); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if b.tick != a.tick {
		t.Fatalf("tick=%d want %d", b.tick, a.tick)
	}
	if got, want := b.coord.World().Stats(), a.coord.World().Stats(); got != want {
		t.Fatalf("stats=%+v want %+v", got, want)
	}
	if b.coord.Observer() != a.coord.Observer() {
		t.Fatalf("observer=%v want %v", b.coord.Observer(), a.coord.Observer())
	}

	c, _, _ := newTestHost(t, "w2")
	if err := c.resume(snap); err == nil {
		t.Fatalf("expected world id mismatch")
	}
}

func TestMetricsHandler(t *testing.T) {
	h, _, _ := newTestHost(t, "w1")
	if err := h.step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	rw := httptest.NewRecorder()
	metricsHandler("w1", h, nil)(rw, httptest.NewRequest("GET", "/metrics", nil))
	body := rw.Body.String()
	for _, want := range []string{
		`voxelstream_tick{world="w1"} 1`,
		`voxelstream_chunks{world="w1",status="loading"}`,
		`voxelstream_mirrors{world="w1"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminHandlers(t *testing.T) {
	h, _, snaps := newTestHost(t, "w1")
	h.snapReq = make(chan chan snapshotReply)
	if err := h.step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	rw := httptest.NewRecorder()
	stateHandler("w1", h, nil)(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("remote state: code=%d", rw.Code)
	}

	req.RemoteAddr = "127.0.0.1:5000"
	rw = httptest.NewRecorder()
	stateHandler("w1", h, nil)(rw, req)
	var state struct {
		WorldID string      `json:"world_id"`
		Metrics hostMetrics `json:"metrics"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &state); err != nil || state.WorldID != "w1" || state.Metrics.Tick != 1 {
		t.Fatalf("state=%+v err=%v body=%s", state, err, rw.Body.String())
	}

	// Serve one request the way runLoop does.
	go func() { h.serveSnapshotRequest(<-h.snapReq) }()
	req = httptest.NewRequest(http.MethodPost, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "[::1]:5000"
	rw = httptest.NewRecorder()
	snapshotHandler(h)(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("snapshot: code=%d body=%s", rw.Code, rw.Body.String())
	}
	select {
	case snap := <-snaps:
		if snap.Header.Tick != 1 {
			t.Fatalf("snapshot tick=%d", snap.Header.Tick)
		}
	default:
		t.Fatalf("no snapshot queued")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.requestSnapshot(ctx); err == nil {
		t.Fatalf("expected canceled request")
	}
}

func TestLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	if got := latestSnapshot(dir); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
	snapDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"5.snap.zst", "12.snap.zst", "9.snap.zst", "notes.txt", "x.snap.zst"} {
		if err := os.WriteFile(filepath.Join(snapDir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := latestSnapshot(dir); filepath.Base(got) != "12.snap.zst" {
		t.Fatalf("latest=%q", got)
	}
}

func TestParseVec3(t *testing.T) {
	cases := []struct {
		in   string
		want mgl32.Vec3
		ok   bool
	}{
		{"", mgl32.Vec3{}, true},
		{"1,2.5,-3", mgl32.Vec3{1, 2.5, -3}, true},
		{" 4 , 5 , 6 ", mgl32.Vec3{4, 5, 6}, true},
		{"1,2", mgl32.Vec3{}, false},
		{"a,b,c", mgl32.Vec3{}, false},
	}
	for _, c := range cases {
		got, err := parseVec3(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("%q: err=%v", c.in, err)
		}
		if c.ok && got != c.want {
			t.Fatalf("%q: got %v want %v", c.in, got, c.want)
		}
	}
}
