// Package streaming keeps the resident working set in step with the
// observer: it turns renderer requests and proximity into generation
// requests, applies results and recenters the window as the observer moves.
package streaming

import (
	"cmp"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/chunkgen"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// FrameCounter reports the last frame whose request buffer is complete.
type FrameCounter interface {
	CompletedFrame() uint64
}

// RequestSource returns the request buffer of a frame slot as
// [count, brick index...].
type RequestSource interface {
	BrickRequests(slot int) []uint32
}

type Config struct {
	WindowRadius      uint32
	GenerationRadius  uint32
	MaxBrickSlots     int
	MaxPaletteEntries int
	FramesInFlight    int
	MaxInFlight       int

	// GenRequestsPerSecond <= 0 disables rate limiting.
	GenRequestsPerSecond float64
	GenBurst             int

	Observer mgl32.Vec3
}

type TickStats struct {
	Frame         uint64                 `json:"frame"`
	Observer      dynworld.WorldChunkPos `json:"observer"`
	Moved         bool                   `json:"moved,omitempty"`
	Requested     int                    `json:"requested"`
	BadRequests   int                    `json:"bad_requests,omitempty"`
	Demanded      int                    `json:"demanded"`
	Submitted     int                    `json:"submitted"`
	Rejected      int                    `json:"rejected,omitempty"`
	RateLimited   int                    `json:"rate_limited,omitempty"`
	Applied       int                    `json:"applied"`
	AppliedEmpty  int                    `json:"applied_empty"`
	Discarded     int                    `json:"discarded,omitempty"`
	Dropped       int                    `json:"dropped,omitempty"`
	InFlight      int                    `json:"in_flight"`
	PendingBricks int                    `json:"pending_bricks"`
	World         dynworld.Stats         `json:"world"`
}

type Coordinator struct {
	cfg      Config
	world    *dynworld.World
	service  *chunkgen.Service
	frames   FrameCounter
	requests RequestSource
	logger   *log.Logger
	limiter  *rate.Limiter
	now      func() time.Time

	observer  dynworld.WorldChunkPos
	lastFrame uint64
	inFlight  map[dynworld.WorldChunkPos]struct{}
	offsets   [][3]int32

	stats TickStats
}

// New builds the grid and starts the generation worker. frames and requests
// may be nil when no renderer is attached.
func New(cfg Config, gen chunkgen.Generator, frames FrameCounter, requests RequestSource, logger *log.Logger) (*Coordinator, error) {
	if cfg.FramesInFlight <= 0 {
		return nil, fmt.Errorf("frames in flight must be positive, got %d", cfg.FramesInFlight)
	}
	if cfg.MaxInFlight <= 0 {
		return nil, fmt.Errorf("max in flight must be positive, got %d", cfg.MaxInFlight)
	}
	observer := dynworld.ChunkAt(cfg.Observer)
	world, err := dynworld.New(dynworld.Config{
		WindowRadius:      cfg.WindowRadius,
		MaxBrickSlots:     cfg.MaxBrickSlots,
		MaxPaletteEntries: cfg.MaxPaletteEntries,
		Center:            observer,
	})
	if err != nil {
		return nil, err
	}
	if cfg.GenerationRadius > world.Window().Half {
		return nil, fmt.Errorf("generation radius %d exceeds half window %d", cfg.GenerationRadius, world.Window().Half)
	}

	limit := rate.Inf
	if cfg.GenRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.GenRequestsPerSecond)
	}
	burst := max(cfg.GenBurst, 1)

	c := &Coordinator{
		cfg:      cfg,
		world:    world,
		frames:   frames,
		requests: requests,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		observer: observer,
		inFlight: make(map[dynworld.WorldChunkPos]struct{}, cfg.MaxInFlight),
		offsets:  sphereOffsets(int32(cfg.GenerationRadius)),
	}
	c.service = chunkgen.NewService(gen, chunkgen.Bounds{Window: world.Window(), Center: observer}, cfg.MaxInFlight)
	return c, nil
}

// sphereOffsets lists every offset within radius, nearest first.
func sphereOffsets(r int32) [][3]int32 {
	var out [][3]int32
	for dz := -r; dz <= r; dz++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if dx*dx+dy*dy+dz*dz <= r*r {
					out = append(out, [3]int32{dx, dy, dz})
				}
			}
		}
	}
	slices.SortStableFunc(out, func(a, b [3]int32) int {
		return cmp.Compare(a[0]*a[0]+a[1]*a[1]+a[2]*a[2], b[0]*b[0]+b[1]*b[1]+b[2]*b[2])
	})
	return out
}

func (c *Coordinator) World() *dynworld.World { return c.world }

func (c *Coordinator) Observer() dynworld.WorldChunkPos { return c.observer }

func (c *Coordinator) LastFrame() uint64 { return c.lastFrame }

func (c *Coordinator) InFlight() int { return len(c.inFlight) }

func (c *Coordinator) Service() *chunkgen.Service { return c.service }

// Tick runs one streaming cycle. The only error is an arena capacity
// violation; everything else is logged and retried on later ticks.
func (c *Coordinator) Tick(observerPos mgl32.Vec3) (TickStats, error) {
	c.stats = TickStats{}

	c.reconcile()
	c.GenerateChunks()
	err := c.CollectGeneratedChunks()
	c.stats.Moved = c.UpdateObserver(observerPos)

	st := c.stats
	st.Frame = c.lastFrame
	st.Observer = c.observer
	st.InFlight = len(c.inFlight)
	st.PendingBricks = c.world.PendingBrickChanges()
	st.World = c.world.Stats()
	return st, err
}

// reconcile reads the request buffers of every frame completed since the
// last tick and submits the Unloaded chunks they name.
func (c *Coordinator) reconcile() {
	if c.frames == nil || c.requests == nil {
		return
	}
	counter := c.frames.CompletedFrame()
	if counter < c.lastFrame {
		// The read-back counter restarted; every buffered frame is new.
		c.lastFrame = 0
	}
	if counter <= c.lastFrame {
		return
	}
	fif := uint64(c.cfg.FramesInFlight)
	first := c.lastFrame + 1
	if counter >= fif && counter-fif+1 > first {
		first = counter - fif + 1
	}

	bricks := make(map[uint32]struct{})
	for f := first; f <= counter; f++ {
		buf := c.requests.BrickRequests(int(f % fif))
		if len(buf) == 0 {
			continue
		}
		n := min(int(buf[0]), len(buf)-1)
		for _, idx := range buf[1 : 1+n] {
			bricks[idx] = struct{}{}
		}
	}
	c.lastFrame = counter
	c.stats.Requested = len(bricks)

	limit := morton.Code(len(c.world.BrickIndices()))
	chunks := make([]morton.Code, 0, len(bricks))
	seen := make(map[morton.Code]struct{}, len(bricks))
	for idx := range bricks {
		code := morton.Code(idx)
		if code >= limit {
			c.stats.BadRequests++
			continue
		}
		chunk := code.Parent(dynworld.ChunkMortonShift)
		if _, ok := seen[chunk]; ok {
			continue
		}
		seen[chunk] = struct{}{}
		chunks = append(chunks, chunk)
	}
	slices.Sort(chunks)

	for _, code := range chunks {
		m := dynworld.MemChunkFromMorton(code)
		if c.world.ChunkStatus(m) != grid.Unloaded {
			continue
		}
		ok, stop := c.submit(c.world.MemToWorld(m, c.observer), m)
		if ok {
			c.stats.Demanded++
		}
		if stop {
			break
		}
	}
	if c.stats.BadRequests > 0 {
		c.logf("ignored %d brick requests outside the index table", c.stats.BadRequests)
	}
}

// GenerateChunks submits Unloaded chunks around the observer, nearest first,
// until the in-flight limit, the rate limit or the queue stops it.
func (c *Coordinator) GenerateChunks() {
	for _, d := range c.offsets {
		pos := c.observer.Add(d)
		m, ok := c.world.ToMemory(pos, c.observer)
		if !ok || c.world.ChunkStatus(m) != grid.Unloaded {
			continue
		}
		if _, stop := c.submit(pos, m); stop {
			return
		}
	}
}

// submit reports whether pos was queued and whether the caller should stop
// submitting for this tick.
func (c *Coordinator) submit(pos dynworld.WorldChunkPos, m dynworld.MemChunkPos) (bool, bool) {
	if _, ok := c.inFlight[pos]; ok {
		return false, false
	}
	if len(c.inFlight) >= c.cfg.MaxInFlight {
		return false, true
	}
	if !c.limiter.AllowN(c.now(), 1) {
		c.stats.RateLimited++
		return false, true
	}
	c.world.SetChunkLoading(m)
	if !c.service.Submit(pos) {
		c.world.ResetChunkLoading(m)
		c.stats.Rejected++
		return false, true
	}
	c.inFlight[pos] = struct{}{}
	c.stats.Submitted++
	return true, false
}

// CollectGeneratedChunks applies every finished result that still maps into
// the window.
func (c *Coordinator) CollectGeneratedChunks() error {
	for _, r := range c.service.Collect() {
		delete(c.inFlight, r.Pos)
		m, ok := c.world.ToMemory(r.Pos, c.observer)
		if !ok {
			c.stats.Dropped++
			continue
		}
		if r.Discarded {
			c.world.ResetChunkLoading(m)
			c.stats.Discarded++
			continue
		}
		if err := c.world.ApplyGeneratedChunk(m, r); err != nil {
			c.logf("apply chunk %v: %v", r.Pos, err)
			return fmt.Errorf("apply chunk %v: %w", r.Pos, err)
		}
		if r.IsEmpty {
			c.stats.AppliedEmpty++
		} else {
			c.stats.Applied++
		}
	}
	return nil
}

// UpdateObserver recenters the window when pos lies in a different chunk.
func (c *Coordinator) UpdateObserver(pos mgl32.Vec3) bool {
	next := dynworld.ChunkAt(pos)
	if next == c.observer {
		return false
	}
	c.world.UpdateTranslation(next.Sub(c.observer), c.observer)
	c.service.SetBounds(next)
	c.observer = next
	return true
}

// Snapshot captures the working set and the streaming position. Callers
// fill in the header and the generator settings.
func (c *Coordinator) Snapshot() snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header:           snapshot.Header{Version: snapshot.Version},
		WindowRadius:     c.cfg.WindowRadius,
		GenerationRadius: c.cfg.GenerationRadius,
		FramesInFlight:   c.cfg.FramesInFlight,
		Observer:         c.observer.Vec(),
		LastFrame:        c.lastFrame,
		World:            c.world.Export(),
	}
}

// Restore resumes from a snapshot. Requests that were in flight are not
// saved; their chunks come back as Unloaded. The saved frame number belongs
// to the previous process's read-back ring, so frames count from zero again.
func (c *Coordinator) Restore(snap snapshot.SnapshotV1) error {
	observer := dynworld.WorldChunkPos{X: snap.Observer[0], Y: snap.Observer[1], Z: snap.Observer[2]}
	if snap.World.Translation != c.world.Window().TranslationFor(observer).Vec() {
		return errors.New("snapshot translation does not match its observer")
	}
	if err := c.world.Import(snap.World); err != nil {
		return fmt.Errorf("import world: %w", err)
	}
	c.observer = observer
	c.lastFrame = 0
	clear(c.inFlight)
	c.service.SetBounds(observer)
	return nil
}

// Close stops the generation worker.
func (c *Coordinator) Close() {
	c.service.Close()
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
