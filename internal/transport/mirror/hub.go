package mirror

import (
	"encoding/base64"
	"encoding/json"
	"log"

	"voxelstream.ai/internal/mirrorproto"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/encoding"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// Source is the streaming state the hub mirrors. *streaming.Coordinator
// implements it.
type Source interface {
	World() *dynworld.World
	Observer() dynworld.WorldChunkPos
}

type HubConfig struct {
	WorldID        string
	FramesInFlight int
	MaxBricks      int
	SendQueue      int
}

// Hub fans brick and grid updates out to mirror sessions. Publish and Close
// must be called from the tick goroutine; sessions join and leave through a
// control channel that Publish drains.
type Hub struct {
	cfg HubConfig
	log *log.Logger

	ctl      chan hubEvent
	sessions map[string]*session
	order    []string
}

type hubEvent struct {
	join  *session
	leave string
}

func NewHub(cfg HubConfig, logger *log.Logger) *Hub {
	if cfg.MaxBricks <= 0 {
		cfg.MaxBricks = 256
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	return &Hub{
		cfg:      cfg,
		log:      logger,
		ctl:      make(chan hubEvent, 256),
		sessions: map[string]*session{},
	}
}

// join queues a session; it reports false when the hub is saturated.
func (h *Hub) join(s *session) bool {
	select {
	case h.ctl <- hubEvent{join: s}:
		return true
	default:
		return false
	}
}

func (h *Hub) leave(id string) {
	select {
	case h.ctl <- hubEvent{leave: id}:
	default:
		// Tick loop is stopping or saturated; the session is dropped on its
		// next failed send.
	}
}

func (h *Hub) Sessions() int { return len(h.sessions) }

// Publish admits pending sessions with a full resync, then sends changes
// (coalesced per brick, current entry wins) and, when gridsChanged, the status
// grids. It returns the number of live sessions.
func (h *Hub) Publish(tick uint64, src Source, changes []dynworld.BrickChange, gridsChanged bool) int {
	w := src.World()
drain:
	for {
		select {
		case ev := <-h.ctl:
			if ev.join != nil {
				h.admit(tick, src, ev.join)
			} else {
				h.remove(ev.leave, "left")
			}
		default:
			break drain
		}
	}
	if len(h.sessions) == 0 {
		return 0
	}

	var msgs [][]byte
	if gridsChanged {
		msgs = append(msgs, h.gridsMsg(tick, src))
	}
	if len(changes) > 0 {
		seen := make(map[morton.Code]struct{}, len(changes))
		codes := make([]morton.Code, 0, len(changes))
		for _, c := range changes {
			if _, ok := seen[c.Brick]; ok {
				continue
			}
			seen[c.Brick] = struct{}{}
			codes = append(codes, c.Brick)
		}
		msgs = append(msgs, h.bricksMsgs(tick, w, codes, h.cfg.MaxBricks)...)
	}
	if len(msgs) == 0 {
		return len(h.sessions)
	}

	for _, id := range h.order {
		s := h.sessions[id]
		for _, b := range msgs {
			if !s.offer(b) {
				h.remove(id, "send queue full")
				break
			}
		}
	}
	return len(h.sessions)
}

// Close disconnects every session.
func (h *Hub) Close() {
	for _, id := range append([]string(nil), h.order...) {
		h.remove(id, "shutdown")
	}
}

func (h *Hub) admit(tick uint64, src Source, s *session) {
	w := src.World()
	hello, _ := json.Marshal(mirrorproto.HelloMsg{
		Type:            mirrorproto.TypeHello,
		ProtocolVersion: mirrorproto.Version,
		SessionID:       s.id,
		WorldID:         h.cfg.WorldID,
		Tick:            tick,
		WindowSide:      w.Window().Side,
		FramesInFlight:  h.cfg.FramesInFlight,
		ChunkLength:     dynworld.ChunkLength,
		BrickLength:     dynworld.BrickLength,
	})
	sync := [][]byte{hello, h.gridsMsg(tick, src)}
	sync = append(sync, h.bricksMsgs(tick, w, residentBricks(w), s.maxBricks(h.cfg.MaxBricks))...)

	s.out = make(chan []byte, len(sync)+h.cfg.SendQueue)
	for _, b := range sync {
		s.out <- b
	}
	h.sessions[s.id] = s
	h.order = append(h.order, s.id)
	close(s.ready)
	h.logf("mirror session %s joined (%s), %d sync messages", s.id, s.name, len(sync))
}

func (h *Hub) remove(id, reason string) {
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	for i, o := range h.order {
		if o == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	close(s.out)
	h.logf("mirror session %s removed: %s", id, reason)
}

// residentBricks lists the brick codes of every Loaded chunk.
func residentBricks(w *dynworld.World) []morton.Code {
	var out []morton.Code
	chunks := w.ChunkOccupancyGrid()
	for c := morton.Code(0); c < morton.Code(chunks.Len()); c++ {
		if chunks.Get(c) != grid.Loaded {
			continue
		}
		for b := morton.Code(0); b < dynworld.ChunkVolume; b++ {
			out = append(out, c.Child(dynworld.ChunkMortonShift, b))
		}
	}
	return out
}

func (h *Hub) gridsMsg(tick uint64, src Source) []byte {
	w := src.World()
	b, _ := json.Marshal(mirrorproto.GridsMsg{
		Type:            mirrorproto.TypeGrids,
		ProtocolVersion: mirrorproto.Version,
		Tick:            tick,
		Observer:        src.Observer().Vec(),
		Translation:     w.ChunkTranslation().Vec(),
		ChunkStatus:     base64.StdEncoding.EncodeToString(w.ChunkOccupancyGrid().Bytes()),
		SuperChunks:     base64.StdEncoding.EncodeToString(w.SuperChunkBitGrid().Bytes()),
		StatusEncoding:  mirrorproto.EncodingStatus2Bit,
		SuperEncoding:   mirrorproto.EncodingBits1,
	})
	return b
}

func (h *Hub) bricksMsgs(tick uint64, w *dynworld.World, codes []morton.Code, per int) [][]byte {
	var out [][]byte
	for len(codes) > 0 {
		n := min(per, len(codes))
		msg := mirrorproto.BricksMsg{
			Type:            mirrorproto.TypeBricks,
			ProtocolVersion: mirrorproto.Version,
			Tick:            tick,
			Bricks:          make([]mirrorproto.BrickUpdate, 0, n),
		}
		for _, code := range codes[:n] {
			msg.Bricks = append(msg.Bricks, brickUpdate(w, code))
		}
		b, _ := json.Marshal(msg)
		out = append(out, b)
		codes = codes[n:]
	}
	return out
}

func brickUpdate(w *dynworld.World, code morton.Code) mirrorproto.BrickUpdate {
	idx := w.BrickIndices()[code]
	u := mirrorproto.BrickUpdate{
		Index:  uint32(code),
		Entry:  uint32(idx),
		Status: idx.Status().String(),
	}
	if idx.Status() != grid.Loaded {
		return u
	}
	slot := idx.Slot()
	b := w.BrickData().Get(slot)
	used := 0
	for i := 0; i < len(b.Materials); i++ {
		if b.Occupied(i) {
			used = max(used, int(b.Materials[i])+1)
		}
	}
	run := w.BrickPaletteList().Run(b.PaletteIndex, b.PaletteClass)
	u.Slot = &slot
	u.Palette = make([]uint32, used)
	for i := range u.Palette {
		u.Palette[i] = uint32(run[i])
	}
	u.Encoding = mirrorproto.EncodingBrickRLE
	u.Data = encoding.EncodeBrick(b)
	return u
}

func (h *Hub) logf(format string, args ...any) {
	if h.log != nil {
		h.log.Printf(format, args...)
	}
}
