// Package chunkgen produces chunk content off the tick goroutine. A Service
// owns exactly one worker; requests are processed in submission order.
package chunkgen

import (
	"sync"
	"sync/atomic"

	"voxelstream.ai/internal/sim/dynworld"
)

type Generator interface {
	Generate(pos dynworld.WorldChunkPos) *GeneratedChunk
}

// Bounds is the window the worker checks each request against before
// generating it.
type Bounds struct {
	Window dynworld.Window
	Center dynworld.WorldChunkPos
}

func (b Bounds) Contains(pos dynworld.WorldChunkPos) bool {
	_, ok := b.Window.ToDyn(pos, b.Center)
	return ok
}

type Service struct {
	gen Generator

	requests chan dynworld.WorldChunkPos
	results  chan *GeneratedChunk
	quit     chan struct{}

	mu     sync.RWMutex
	bounds Bounds
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	generated atomic.Uint64
	discarded atomic.Uint64
}

// NewService starts the worker. Both queues hold maxInFlight entries.
func NewService(gen Generator, bounds Bounds, maxInFlight int) *Service {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	s := &Service{
		gen:      gen,
		requests: make(chan dynworld.WorldChunkPos, maxInFlight),
		results:  make(chan *GeneratedChunk, maxInFlight),
		quit:     make(chan struct{}),
		bounds:   bounds,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Submit queues pos without blocking. It reports false when the queue is
// full or the service is closed.
func (s *Service) Submit(pos dynworld.WorldChunkPos) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.requests <- pos:
		return true
	default:
		return false
	}
}

// Collect drains every finished result without blocking.
func (s *Service) Collect() []*GeneratedChunk {
	var out []*GeneratedChunk
	for {
		select {
		case r := <-s.results:
			out = append(out, r)
		default:
			return out
		}
	}
}

func (s *Service) SetBounds(center dynworld.WorldChunkPos) {
	s.mu.Lock()
	s.bounds.Center = center
	s.mu.Unlock()
}

func (s *Service) Bounds() Bounds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds
}

func (s *Service) QueueLen() int { return len(s.requests) }

func (s *Service) Generated() uint64 { return s.generated.Load() }

func (s *Service) Discarded() uint64 { return s.discarded.Load() }

// Close stops accepting requests and waits for the worker to exit. Results
// not yet collected are dropped.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.requests)
		s.mu.Unlock()
		close(s.quit)
		s.wg.Wait()
	})
}

func (s *Service) loop() {
	defer s.wg.Done()
	for pos := range s.requests {
		var res *GeneratedChunk
		if s.Bounds().Contains(pos) {
			res = s.gen.Generate(pos)
			if res == nil {
				res = &GeneratedChunk{Pos: pos, IsEmpty: true}
			}
			res.Pos = pos
			s.generated.Add(1)
		} else {
			res = &GeneratedChunk{Pos: pos, Discarded: true}
			s.discarded.Add(1)
		}
		select {
		case s.results <- res:
		case <-s.quit:
			return
		}
	}
}
