package mirror

type session struct {
	id     string
	name   string
	maxReq int

	// out is created and closed by the hub; ready is closed once out holds
	// the initial sync.
	out   chan []byte
	ready chan struct{}

	// lastFrame is the renderer's own frame counter; only the reader
	// goroutine touches it.
	lastFrame uint64
}

func newSession(id, name string, maxBricks int) *session {
	return &session{
		id:     id,
		name:   name,
		maxReq: maxBricks,
		ready:  make(chan struct{}),
	}
}

func (s *session) maxBricks(def int) int {
	if s.maxReq > 0 && s.maxReq < def {
		return s.maxReq
	}
	return def
}

// offer queues b without blocking.
func (s *session) offer(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}
