package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/sim/mathx"
)

// MaxWindowSide keeps every brick index of the window addressable with a
// 32-bit request word.
const MaxWindowSide = 64

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	Streaming Streaming `yaml:"streaming"`
	Terrain   Terrain   `yaml:"terrain"`
	Mirror    Mirror    `yaml:"mirror"`
}

type Streaming struct {
	WindowRadius      uint32 `yaml:"window_radius"`
	GenerationRadius  uint32 `yaml:"generation_radius"`
	MaxBrickSlots     int    `yaml:"max_brick_slots"`
	MaxPaletteEntries int    `yaml:"max_palette_entries"`
	FramesInFlight    int    `yaml:"frames_in_flight"`
	MaxInFlight       int    `yaml:"max_in_flight"`

	GenRequestsPerSecond float64 `yaml:"gen_requests_per_second"`
	GenBurst             int     `yaml:"gen_burst"`

	MaxRequestsPerFrame int `yaml:"max_requests_per_frame"`
}

type Terrain struct {
	Seed       int64 `yaml:"seed"`
	BaseHeight int   `yaml:"base_height"`
	Amplitude  int   `yaml:"amplitude"`
	Scale      int   `yaml:"scale"`
	Octaves    int   `yaml:"octaves"`
}

type Mirror struct {
	MaxBricksPerMessage int `yaml:"max_bricks_per_message"`
	SendQueue           int `yaml:"send_queue"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		SnapshotEveryTicks: 6000,
		Streaming: Streaming{
			WindowRadius:         4,
			GenerationRadius:     3,
			MaxBrickSlots:        1 << 18,
			MaxPaletteEntries:    1 << 24,
			FramesInFlight:       3,
			MaxInFlight:          16,
			GenRequestsPerSecond: 0,
			GenBurst:             16,
			MaxRequestsPerFrame:  4096,
		},
		Terrain: Terrain{
			Seed:       1337,
			BaseHeight: 16,
			Amplitude:  24,
			Scale:      96,
			Octaves:    4,
		},
		Mirror: Mirror{
			MaxBricksPerMessage: 256,
			SendQueue:           64,
		},
	}
}

// Load reads path on top of Defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills unset optional fields.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.Streaming.GenBurst <= 0 {
		t.Streaming.GenBurst = max(t.Streaming.MaxInFlight, 1)
	}
	if t.Streaming.MaxRequestsPerFrame <= 0 {
		t.Streaming.MaxRequestsPerFrame = d.Streaming.MaxRequestsPerFrame
	}
	if t.Terrain.Scale <= 0 {
		t.Terrain.Scale = d.Terrain.Scale
	}
	if t.Terrain.Octaves <= 0 {
		t.Terrain.Octaves = 1
	}
	if t.Mirror.MaxBricksPerMessage <= 0 {
		t.Mirror.MaxBricksPerMessage = d.Mirror.MaxBricksPerMessage
	}
	if t.Mirror.SendQueue <= 0 {
		t.Mirror.SendQueue = d.Mirror.SendQueue
	}
}

// WindowSide is the chunk side length of the resident window.
func (s Streaming) WindowSide() uint32 {
	return mathx.NextPow2(2 * max(s.WindowRadius, 1))
}

func (t Tuning) Validate() error {
	s := t.Streaming
	var errs []error
	if s.WindowRadius < 1 {
		errs = append(errs, errors.New("streaming.window_radius must be >= 1"))
	}
	if side := s.WindowSide(); side > MaxWindowSide {
		errs = append(errs, fmt.Errorf("streaming.window_radius %d gives window side %d > %d", s.WindowRadius, side, MaxWindowSide))
	}
	if s.GenerationRadius > s.WindowSide()/2 {
		errs = append(errs, fmt.Errorf("streaming.generation_radius %d exceeds half window %d", s.GenerationRadius, s.WindowSide()/2))
	}
	if s.MaxBrickSlots <= 0 || s.MaxBrickSlots > 1<<30 {
		errs = append(errs, fmt.Errorf("streaming.max_brick_slots must be in (0, 2^30], got %d", s.MaxBrickSlots))
	}
	if s.MaxPaletteEntries <= 0 {
		errs = append(errs, fmt.Errorf("streaming.max_palette_entries must be > 0, got %d", s.MaxPaletteEntries))
	}
	if s.FramesInFlight < 1 {
		errs = append(errs, fmt.Errorf("streaming.frames_in_flight must be >= 1, got %d", s.FramesInFlight))
	}
	if s.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("streaming.max_in_flight must be >= 1, got %d", s.MaxInFlight))
	}
	if s.GenRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("streaming.gen_requests_per_second must be >= 0, got %v", s.GenRequestsPerSecond))
	}
	if t.SnapshotEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("snapshot_every_ticks must be >= 0, got %d", t.SnapshotEveryTicks))
	}
	return errors.Join(errs...)
}
