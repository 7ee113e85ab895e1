package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/mirrorproto"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/mirror/ws", "mirror ws url")
		name      = flag.String("name", "bot", "client name")
		maxBricks = flag.Int("max_bricks", 0, "bricks per BRICKS message (0 for server default)")
		demand    = flag.Int("demand", 0, "unloaded chunks to request per frame")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := mirrorproto.SubscribeMsg{
		Type:            mirrorproto.TypeSubscribe,
		ProtocolVersion: mirrorproto.Version,
		ClientName:      *name,
		MaxBricks:       *maxBricks,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var (
		rep      *replica
		frame    uint64
		received uint64
	)
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		received += uint64(len(msg))
		var base mirrorproto.BaseMessage
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}
		switch base.Type {
		case mirrorproto.TypeHello:
			var h mirrorproto.HelloMsg
			if err := json.Unmarshal(msg, &h); err != nil {
				continue
			}
			rep, err = newReplica(h)
			if err != nil {
				logger.Fatalf("HELLO: %v", err)
			}
			logger.Printf("HELLO session=%s world=%s side=%d frames_in_flight=%d", h.SessionID, h.WorldID, h.WindowSide, h.FramesInFlight)

		case mirrorproto.TypeGrids:
			var g mirrorproto.GridsMsg
			if rep == nil || json.Unmarshal(msg, &g) != nil {
				continue
			}
			if err := rep.applyGrids(g); err != nil {
				logger.Printf("GRIDS: %v", err)
				continue
			}
			loaded, empty, unloaded := rep.counts()
			logger.Printf("tick=%d observer=%v loaded=%d empty=%d unloaded=%d bricks=%s received=%s",
				rep.tick, rep.observer, loaded, empty, unloaded,
				humanize.Comma(int64(len(rep.bricks))), humanize.Bytes(received))

			if *demand > 0 {
				frame++
				req := mirrorproto.BrickRequestsMsg{
					Type:            mirrorproto.TypeBrickRequests,
					ProtocolVersion: mirrorproto.Version,
					Frame:           frame,
					Bricks:          rep.demand(*demand),
				}
				if err := conn.WriteJSON(req); err != nil {
					logger.Printf("send BRICK_REQUESTS: %v", err)
					return
				}
			}

		case mirrorproto.TypeBricks:
			var b mirrorproto.BricksMsg
			if rep == nil || json.Unmarshal(msg, &b) != nil {
				continue
			}
			if err := rep.applyBricks(b); err != nil {
				logger.Printf("BRICKS: %v", err)
			}

		case mirrorproto.TypeError:
			var e mirrorproto.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Printf("ERROR %s: %s", e.Code, e.Message)
		}
	}
}
