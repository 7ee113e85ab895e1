// Package mirrorproto defines the JSON messages exchanged with a remote
// renderer that mirrors the resident working set.
package mirrorproto

// Version is the mirror protocol version.
const Version = "0.1"

const (
	TypeSubscribe     = "SUBSCRIBE"
	TypeBrickRequests = "BRICK_REQUESTS"
	TypeHello         = "HELLO"
	TypeGrids         = "GRIDS"
	TypeBricks        = "BRICKS"
	TypeError         = "ERROR"
)

// Encodings of the binary fields.
const (
	EncodingStatus2Bit = "STATUS2_MORTON_B64"
	EncodingBits1      = "BITS1_MORTON_B64"
	EncodingBrickRLE   = "BRICK_RLE_B64"
)

// Client -> Server. First message on the mirror WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// Bricks per BRICKS message; 0 uses the server default.
	MaxBricks int `json:"max_bricks,omitempty"`
}

// Client -> Server. The brick indices the renderer needed while drawing
// frame Frame. Frames count up from 1.
type BrickRequestsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Frame           uint64   `json:"frame"`
	Bricks          []uint32 `json:"bricks"`
}

// Server -> Client. Reply to SUBSCRIBE.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
	Tick            uint64 `json:"tick"`
	WindowSide      uint32 `json:"window_side"`
	FramesInFlight  int    `json:"frames_in_flight"`
	ChunkLength     int    `json:"chunk_length"`
	BrickLength     int    `json:"brick_length"`
}

// Server -> Client. Full status grids; sent on subscribe and whenever any
// chunk status changed during a tick.
type GridsMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	Observer        [3]int32  `json:"observer"`
	Translation     [3]uint32 `json:"translation"`
	ChunkStatus     string    `json:"chunk_status"`
	SuperChunks     string    `json:"super_chunks"`
	StatusEncoding  string    `json:"status_encoding"`
	SuperEncoding   string    `json:"super_encoding"`
}

// Server -> Client. Rewritten brick index entries.
type BricksMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	Bricks          []BrickUpdate `json:"bricks"`
}

// BrickUpdate carries one brick index entry. Loaded entries include the
// payload: its slot, the palette colors and the RLE voxel data.
type BrickUpdate struct {
	Index    uint32   `json:"index"`
	Entry    uint32   `json:"entry"`
	Status   string   `json:"status"`
	Slot     *uint32  `json:"slot,omitempty"`
	Palette  []uint32 `json:"palette,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
	Data     string   `json:"data,omitempty"`
}

// Server -> Client.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrProtocol   = "E_PROTO_BAD_REQUEST"
)

// BaseMessage is used to dispatch on Type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}
