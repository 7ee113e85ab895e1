// Package readback holds the renderer's per-frame brick requests the way a
// GPU read-back ring does: one buffer per frame in flight plus a counter of
// the last completed frame.
package readback

import "sync"

// Ring is safe for concurrent use; the mirror transport writes it and the
// tick loop reads it.
type Ring struct {
	mu          sync.Mutex
	completed   uint64
	buffers     [][]uint32
	maxRequests int
}

// NewRing allocates framesInFlight buffers, each holding up to maxRequests
// brick indices after the count word.
func NewRing(framesInFlight, maxRequests int) *Ring {
	if framesInFlight <= 0 {
		framesInFlight = 1
	}
	if maxRequests <= 0 {
		maxRequests = 1024
	}
	r := &Ring{
		buffers:     make([][]uint32, framesInFlight),
		maxRequests: maxRequests,
	}
	for i := range r.buffers {
		r.buffers[i] = make([]uint32, 1, maxRequests+1)
	}
	return r
}

func (r *Ring) FramesInFlight() int { return len(r.buffers) }

// Complete stores the requests of frame into slot frame mod framesInFlight
// and advances the completed counter. Frames older than the counter are
// ignored. Extra requests beyond capacity are dropped.
func (r *Ring) Complete(frame uint64, requests []uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if frame < r.completed {
		return false
	}
	r.store(frame, requests)
	return true
}

// Next completes the frame after the counter and returns its number. Writers
// that count frames on their own, such as several renderers, share the ring
// through Next.
func (r *Ring) Next(requests []uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame := r.completed + 1
	r.store(frame, requests)
	return frame
}

func (r *Ring) store(frame uint64, requests []uint32) {
	slot := frame % uint64(len(r.buffers))
	buf := r.buffers[slot][:1]
	n := min(len(requests), r.maxRequests)
	buf = append(buf, requests[:n]...)
	buf[0] = uint32(n)
	r.buffers[slot] = buf
	r.completed = frame
}

func (r *Ring) CompletedFrame() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// BrickRequests returns a copy of buffer slot as [count, idx...].
func (r *Ring) BrickRequests(slot int) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.buffers) {
		return nil
	}
	return append([]uint32(nil), r.buffers[slot]...)
}
