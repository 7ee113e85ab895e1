package dynworld

import (
	"errors"
	"testing"

	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// fakeChunk fills the first voxel of every brick with a per-brick color.
type fakeChunk struct {
	empty bool
	color Voxel
}

func (c fakeChunk) Empty() bool { return c.empty }

func (c fakeChunk) BrickVoxels(local morton.Code) []Voxel {
	v := make([]Voxel, BrickVolume)
	if local%2 == 0 {
		v[0] = c.color
		v[BrickVolume-1] = c.color + 1
	}
	return v
}

func newTestWorld(t *testing.T, radius uint32, center WorldChunkPos) *World {
	t.Helper()
	w, err := New(Config{WindowRadius: radius, Center: center})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func mustMem(t *testing.T, w *World, world, center WorldChunkPos) MemChunkPos {
	t.Helper()
	m, ok := w.ToMemory(world, center)
	if !ok {
		t.Fatalf("world chunk %v outside window centered on %v", world, center)
	}
	return m
}

func TestWindow_SideIsPow2(t *testing.T) {
	cases := []struct{ radius, side uint32 }{{0, 2}, {1, 2}, {2, 4}, {3, 8}, {4, 8}, {5, 16}}
	for _, c := range cases {
		if got := NewWindow(c.radius); got.Side != c.side || got.Half != c.side/2 {
			t.Fatalf("radius %d: got %+v want side %d", c.radius, got, c.side)
		}
	}
}

func TestWindow_ToDynEdges(t *testing.T) {
	win := NewWindow(4)
	center := WorldChunkPos{}
	cases := []struct {
		x   int32
		ok  bool
		dyn uint32
	}{
		{-4, true, 0},
		{3, true, 7},
		{-5, false, 0},
		{4, false, 0},
		{0, true, 4},
	}
	for _, c := range cases {
		d, ok := win.ToDyn(WorldChunkPos{X: c.x}, center)
		if ok != c.ok {
			t.Fatalf("x=%d: ok=%v want %v", c.x, ok, c.ok)
		}
		if ok && d.X != c.dyn {
			t.Fatalf("x=%d: dyn=%d want %d", c.x, d.X, c.dyn)
		}
	}
}

func TestWindow_ToWorldInvertsMapping(t *testing.T) {
	win := NewWindow(4)
	center := WorldChunkPos{X: 13, Y: -7, Z: 100}
	tr := win.TranslationFor(center)
	for x := int32(-4); x < 4; x++ {
		for z := int32(-4); z < 4; z++ {
			world := WorldChunkPos{X: center.X + x, Y: center.Y, Z: center.Z + z}
			d, ok := win.ToDyn(world, center)
			if !ok {
				t.Fatalf("%v not in window", world)
			}
			m := win.Translate(d, tr)
			if got := win.ToWorld(m, tr, center); got != world {
				t.Fatalf("round trip %v -> %v -> %v", world, m, got)
			}
		}
	}
}

func TestChunkAt(t *testing.T) {
	cases := []struct {
		pos  [3]float32
		want WorldChunkPos
	}{
		{[3]float32{0, 0, 0}, WorldChunkPos{}},
		{[3]float32{63.9, 64, -0.1}, WorldChunkPos{X: 0, Y: 1, Z: -1}},
		{[3]float32{-64, -64.5, 128}, WorldChunkPos{X: -1, Y: -2, Z: 2}},
	}
	for _, c := range cases {
		if got := ChunkAt(c.pos); got != c.want {
			t.Fatalf("ChunkAt(%v) = %v want %v", c.pos, got, c.want)
		}
	}
}

func TestBrickIndex_Packing(t *testing.T) {
	idx := NewLoadedBrick(12345)
	if idx.Status() != grid.Loaded || idx.Slot() != 12345 {
		t.Fatalf("loaded: status=%v slot=%d", idx.Status(), idx.Slot())
	}
	if LoadedEmptyBrick.Status() != grid.LoadedEmpty || LoadedEmptyBrick.Slot() != 0 {
		t.Fatalf("empty: %v", LoadedEmptyBrick.Status())
	}
	if UnloadedBrick.Status() != grid.Unloaded {
		t.Fatalf("unloaded: %v", UnloadedBrick.Status())
	}
}

func TestBuildBrickPayload(t *testing.T) {
	v := make([]Voxel, BrickVolume)
	if p, err := BuildBrickPayload(v); err != nil || p != nil {
		t.Fatalf("empty brick: payload=%v err=%v", p, err)
	}
	red, green := PackRGBA(255, 0, 0, 255), PackRGBA(0, 255, 0, 255)
	v[3], v[9], v[10] = green, red, green
	p, err := BuildBrickPayload(v)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(p.Palette) != 2 || p.Palette[0] != arena.PaletteEntry(green) || p.Palette[1] != arena.PaletteEntry(red) {
		t.Fatalf("palette order: %v", p.Palette)
	}
	if p.Materials[3] != 0 || p.Materials[9] != 1 || p.Materials[10] != 0 {
		t.Fatalf("materials: %d %d %d", p.Materials[3], p.Materials[9], p.Materials[10])
	}
	if p.Occupancy[0] != 1<<3 || p.Occupancy[1] != 1<<1|1<<2 {
		t.Fatalf("occupancy: %08b %08b", p.Occupancy[0], p.Occupancy[1])
	}
	if _, err := BuildBrickPayload(v[:10]); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestApplyGeneratedChunk_QueuesEveryBrick(t *testing.T) {
	center := WorldChunkPos{}
	w := newTestWorld(t, 4, center)
	m := mustMem(t, w, WorldChunkPos{X: 2}, center)

	w.SetChunkLoading(m)
	if err := w.ApplyGeneratedChunk(m, fakeChunk{color: 10}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s := w.ChunkStatus(m); s != grid.Loaded {
		t.Fatalf("status=%v", s)
	}
	changes := w.CollectBrickChanges()
	if len(changes) != ChunkVolume {
		t.Fatalf("changes=%d want %d", len(changes), ChunkVolume)
	}
	for _, c := range changes {
		local := c.Brick & (ChunkVolume - 1)
		want := grid.LoadedEmpty
		if local%2 == 0 {
			want = grid.Loaded
		}
		if c.Index.Status() != want {
			t.Fatalf("brick %d status=%v want %v", local, c.Index.Status(), want)
		}
		if !w.IsBrickLoaded(c.Brick) {
			t.Fatalf("brick %d not loaded", c.Brick)
		}
	}
	if len(w.CollectBrickChanges()) != 0 {
		t.Fatalf("queue not drained")
	}
	st := w.Stats()
	if st.LiveBricks != ChunkVolume/2 || st.Loaded != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestApplyGeneratedChunk_EmptyTouchesNoBricks(t *testing.T) {
	w := newTestWorld(t, 2, WorldChunkPos{})
	m := MemChunkPos{X: 1}
	if err := w.ApplyGeneratedChunk(m, fakeChunk{empty: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s := w.ChunkStatus(m); s != grid.LoadedEmpty {
		t.Fatalf("status=%v", s)
	}
	if n := w.PendingBrickChanges(); n != 0 {
		t.Fatalf("changes=%d", n)
	}
	if w.SuperChunkBitGrid().Get(0) {
		t.Fatalf("empty chunk set super-chunk bit")
	}
}

func TestReloadReusesSlots(t *testing.T) {
	w := newTestWorld(t, 2, WorldChunkPos{})
	m := MemChunkPos{X: 1, Y: 1}
	if err := w.ApplyGeneratedChunk(m, fakeChunk{color: 5}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	slots, pal := w.BrickData().Len(), w.BrickPaletteList().Len()

	w.UnloadChunk(m)
	if w.ChunkStatus(m) != grid.Unloaded {
		t.Fatalf("not unloaded")
	}
	if w.BrickData().Live() != ChunkVolume/2 {
		t.Fatalf("unload released slots: live=%d", w.BrickData().Live())
	}
	if err := w.ApplyGeneratedChunk(m, fakeChunk{color: 6}); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if w.BrickData().Len() != slots || w.BrickPaletteList().Len() != pal {
		t.Fatalf("arenas grew: slots %d->%d palette %d->%d", slots, w.BrickData().Len(), pal, w.BrickPaletteList().Len())
	}
	idx := w.BrickIndices()[m.BrickMorton(0)]
	b := w.BrickData().Get(idx.Slot())
	if got := w.BrickPaletteList().Run(b.PaletteIndex, b.PaletteClass)[0]; got != 6 {
		t.Fatalf("palette not rewritten: %d", got)
	}
}

func TestSetBrick_CapacityExceeded(t *testing.T) {
	w, err := New(Config{WindowRadius: 1, MaxBrickSlots: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = w.ApplyGeneratedChunk(MemChunkPos{}, fakeChunk{color: 1})
	if !errors.Is(err, arena.ErrCapacityExceeded) {
		t.Fatalf("err=%v", err)
	}
	if w.BrickData().Live() != 3 {
		t.Fatalf("live=%d", w.BrickData().Live())
	}
	// The palette run for the rejected brick is released again.
	if runs := w.BrickPaletteList().LiveRuns(); runs[0] != 3 {
		t.Fatalf("palette runs=%v", runs)
	}
}

func TestSetBrick_ReclaimsStaleBricksWhenFull(t *testing.T) {
	w, err := New(Config{WindowRadius: 2, MaxBrickSlots: ChunkVolume/2 + 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stale, next := MemChunkPos{X: 1}, MemChunkPos{Y: 1}
	if err := w.ApplyGeneratedChunk(stale, fakeChunk{color: 3}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	w.UnloadChunk(stale)
	if err := w.ApplyGeneratedChunk(stale, fakeChunk{empty: true}); err != nil {
		t.Fatalf("apply empty: %v", err)
	}
	if st := w.Stats(); st.Loaded != 0 || st.LiveBricks != ChunkVolume/2 {
		t.Fatalf("stats before: %+v", st)
	}
	w.CollectBrickChanges()

	if err := w.ApplyGeneratedChunk(next, fakeChunk{color: 4}); err != nil {
		t.Fatalf("chunk that fits was rejected: %v", err)
	}
	if st := w.Stats(); st.Loaded != 1 || st.LiveBricks != ChunkVolume/2 || st.BrickSlots > ChunkVolume/2+10 {
		t.Fatalf("stats after: %+v", st)
	}
	if w.IsBrickLoaded(stale.BrickMorton(0)) {
		t.Fatalf("stale brick still loaded")
	}
	if !w.IsBrickLoaded(next.BrickMorton(ChunkVolume - 2)) {
		t.Fatalf("last brick of new chunk not loaded")
	}
	// Reset stale entries are published alongside the new chunk.
	changes := w.CollectBrickChanges()
	if len(changes) != ChunkVolume+ChunkVolume/2 {
		t.Fatalf("changes=%d", len(changes))
	}
	reset := 0
	for _, c := range changes {
		if c.Brick.Parent(ChunkMortonShift) == stale.Morton() {
			if c.Index != UnloadedBrick {
				t.Fatalf("stale brick %d change %v", c.Brick, c.Index)
			}
			reset++
		}
	}
	if reset != ChunkVolume/2 {
		t.Fatalf("reset=%d", reset)
	}
}

func TestSuperChunkBitTracksLoadedChunks(t *testing.T) {
	w := newTestWorld(t, 4, WorldChunkPos{})
	a, b := MemChunkPos{X: 0}, MemChunkPos{X: 1}
	_ = w.ApplyGeneratedChunk(a, fakeChunk{color: 1})
	_ = w.ApplyGeneratedChunk(b, fakeChunk{color: 1})
	if !w.SuperChunkBitGrid().Get(0) {
		t.Fatalf("super-chunk bit not set")
	}
	w.UnloadChunk(a)
	if !w.SuperChunkBitGrid().Get(0) {
		t.Fatalf("super-chunk bit cleared with one chunk still loaded")
	}
	w.UnloadChunk(b)
	if w.SuperChunkBitGrid().Get(0) {
		t.Fatalf("super-chunk bit still set")
	}
}

func TestUpdateTranslation_ZeroDelta(t *testing.T) {
	w := newTestWorld(t, 4, WorldChunkPos{})
	m := MemChunkPos{X: 3, Y: 3, Z: 3}
	_ = w.ApplyGeneratedChunk(m, fakeChunk{empty: true})
	w.TakeGridDirty()
	w.UpdateTranslation([3]int32{}, WorldChunkPos{})
	if w.ChunkTranslation() != (Translation{}) || w.ChunkStatus(m) != grid.LoadedEmpty {
		t.Fatalf("zero delta changed state")
	}
	if w.TakeGridDirty() {
		t.Fatalf("zero delta marked grid dirty")
	}
}

func TestUpdateTranslation_EvictsLeavingPlane(t *testing.T) {
	center := WorldChunkPos{}
	w := newTestWorld(t, 4, center)

	kept := mustMem(t, w, WorldChunkPos{X: 2}, center)
	left := mustMem(t, w, WorldChunkPos{X: -4}, center)
	if kept.X != 6 || left.X != 0 {
		t.Fatalf("mem x: kept=%d left=%d", kept.X, left.X)
	}
	_ = w.ApplyGeneratedChunk(kept, fakeChunk{color: 1})
	_ = w.ApplyGeneratedChunk(left, fakeChunk{empty: true})

	w.UpdateTranslation([3]int32{1, 0, 0}, center)
	next := WorldChunkPos{X: 1}

	if got := w.ChunkTranslation(); got != (Translation{X: 1}) {
		t.Fatalf("translation=%+v", got)
	}
	if w.ChunkStatus(left) != grid.Unloaded {
		t.Fatalf("plane x=0 not evicted")
	}
	if _, ok := w.ToMemory(WorldChunkPos{X: -4}, next); ok {
		t.Fatalf("world x=-4 still mapped")
	}
	m, ok := w.ToMemory(WorldChunkPos{X: 2}, next)
	if !ok || m != kept || w.ChunkStatus(m) != grid.Loaded {
		t.Fatalf("kept chunk moved: %v ok=%v status=%v", m, ok, w.ChunkStatus(m))
	}
	// The newly entered world chunk reuses the evicted plane.
	if m, _ := w.ToMemory(WorldChunkPos{X: 4}, next); m.X != 0 {
		t.Fatalf("entering chunk mem x=%d", m.X)
	}
}

func TestUpdateTranslation_NegativeShift(t *testing.T) {
	center := WorldChunkPos{}
	w := newTestWorld(t, 4, center)
	far := mustMem(t, w, WorldChunkPos{Z: 3}, center)
	near := mustMem(t, w, WorldChunkPos{Z: -4}, center)
	_ = w.ApplyGeneratedChunk(far, fakeChunk{empty: true})
	_ = w.ApplyGeneratedChunk(near, fakeChunk{empty: true})

	w.UpdateTranslation([3]int32{0, 0, -1}, center)
	next := WorldChunkPos{Z: -1}
	if w.ChunkTranslation() != (Translation{Z: 7}) {
		t.Fatalf("translation=%+v", w.ChunkTranslation())
	}
	if w.ChunkStatus(far) != grid.Unloaded {
		t.Fatalf("leaving plane kept")
	}
	m, ok := w.ToMemory(WorldChunkPos{Z: -4}, next)
	if !ok || m != near || w.ChunkStatus(m) != grid.LoadedEmpty {
		t.Fatalf("near chunk lost: %v %v", m, ok)
	}
}

func TestUpdateTranslation_FullWrapEvictsAll(t *testing.T) {
	w := newTestWorld(t, 2, WorldChunkPos{})
	for code := morton.Code(0); code < morton.Code(w.Window().Volume()); code++ {
		_ = w.ApplyGeneratedChunk(MemChunkFromMorton(code), fakeChunk{empty: true})
	}
	w.UpdateTranslation([3]int32{0, -9, 0}, WorldChunkPos{})
	if st := w.Stats(); st.Unloaded != w.Window().Volume() {
		t.Fatalf("stats after wrap: %+v", st)
	}
	if got := w.ChunkTranslation(); got != (Translation{Y: 3}) {
		t.Fatalf("translation=%+v", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	center := WorldChunkPos{X: 5, Y: -3, Z: 9}
	w := newTestWorld(t, 2, center)
	m := mustMem(t, w, center, center)
	_ = w.ApplyGeneratedChunk(m, fakeChunk{color: 7})
	loading := mustMem(t, w, center.Add([3]int32{1, 0, 0}), center)
	w.SetChunkLoading(loading)
	w.UnloadChunk(m)
	_ = w.ApplyGeneratedChunk(m, fakeChunk{color: 8})

	snap := w.Export()

	r := newTestWorld(t, 2, WorldChunkPos{})
	if err := r.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if r.ChunkTranslation() != w.ChunkTranslation() {
		t.Fatalf("translation %+v vs %+v", r.ChunkTranslation(), w.ChunkTranslation())
	}
	if r.ChunkStatus(m) != grid.Loaded || r.ChunkStatus(loading) != grid.Unloaded {
		t.Fatalf("statuses: %v %v", r.ChunkStatus(m), r.ChunkStatus(loading))
	}
	if !r.SuperChunkBitGrid().Get(m.Morton().Parent(SuperChunkMortonShift)) {
		t.Fatalf("super-chunk bit not rebuilt")
	}
	code := m.BrickMorton(4)
	a, b := w.BrickIndices()[code], r.BrickIndices()[code]
	if a != b {
		t.Fatalf("brick index %v vs %v", a, b)
	}
	if *w.BrickData().Get(a.Slot()) != *r.BrickData().Get(b.Slot()) {
		t.Fatalf("brick payload differs")
	}
	if r.Stats() != w.Stats() {
		// w still counts the Loading chunk.
		ws := w.Stats()
		ws.Unloaded, ws.Loading = ws.Unloaded+ws.Loading, 0
		if r.Stats() != ws {
			t.Fatalf("stats %+v vs %+v", r.Stats(), ws)
		}
	}
	if !r.TakeGridDirty() {
		t.Fatalf("import did not mark grid dirty")
	}

	other := newTestWorld(t, 4, WorldChunkPos{})
	if err := other.Import(snap); err == nil {
		t.Fatalf("expected side mismatch error")
	}
}

func TestImport_RejectsBadBrickRefs(t *testing.T) {
	w := newTestWorld(t, 2, WorldChunkPos{})
	m := MemChunkPos{X: 1}
	if err := w.ApplyGeneratedChunk(m, fakeChunk{color: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	loaded := int(m.BrickMorton(0))
	spare := int(m.BrickMorton(1))

	cases := []struct {
		name   string
		mutate func(s *snapshot.WorldV1)
	}{
		{"slot out of range", func(s *snapshot.WorldV1) {
			s.BrickIndices[loaded] = uint32(NewLoadedBrick(uint32(len(s.Bricks) + 5)))
		}},
		{"shared slot", func(s *snapshot.WorldV1) {
			s.BrickIndices[spare] = s.BrickIndices[loaded]
			s.LiveBricks++
		}},
		{"palette run out of range", func(s *snapshot.WorldV1) {
			slot := BrickIndex(s.BrickIndices[loaded]).Slot()
			s.Bricks[slot].PaletteIndex = uint32(len(s.Palette))
		}},
		{"palette class", func(s *snapshot.WorldV1) {
			slot := BrickIndex(s.BrickIndices[loaded]).Slot()
			s.Bricks[slot].PaletteClass = arena.PaletteClasses
		}},
		{"live count", func(s *snapshot.WorldV1) {
			s.LiveBricks++
		}},
	}
	for _, c := range cases {
		snap := w.Export()
		c.mutate(&snap)
		r := newTestWorld(t, 2, WorldChunkPos{})
		if err := r.Import(snap); err == nil {
			t.Fatalf("%s: import accepted", c.name)
		}
		if st := r.Stats(); st.Loaded != 0 || st.BrickSlots != 0 {
			t.Fatalf("%s: failed import changed the world: %+v", c.name, st)
		}
	}

	r := newTestWorld(t, 2, WorldChunkPos{})
	if err := r.Import(w.Export()); err != nil {
		t.Fatalf("clean import: %v", err)
	}
}
