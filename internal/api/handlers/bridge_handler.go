package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// BridgeHandler serves the websocket audio bridge: binary frames carry
// caller PCM into the pipeline, synthesized replies come back as binary
// frames, and call events stream as text frames.
type BridgeHandler struct {
	registry *registry.Registry
	coord    *engine.Coordinator
	redis    *redis.Client // nil disables the event stream
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewBridgeHandler(reg *registry.Registry, coord *engine.Coordinator, rdb *redis.Client, log *logrus.Logger) *BridgeHandler {
	return &BridgeHandler{
		registry: reg,
		coord:    coord,
		redis:    rdb,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type bridgeConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *bridgeConn) write(messageType int, b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteMessage(messageType, b)
}

func (h *BridgeHandler) CallBridge(c *gin.Context) {
	const op = "BridgeHandler.CallBridge"

	callID := c.Param("call_id")
	if callID == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing call_id", nil))
		return
	}
	if !h.registry.Exists(callID) {
		writeError(c, utils.E(utils.CodeNotFound, op, "unknown call", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &bridgeConn{c: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := h.log.WithField("call_id", callID)
	log.Info("bridge connected")

	// replies flow back over this connection while it lives
	h.coord.BindSink(callID, func(pcm []byte) error {
		return wc.write(websocket.BinaryMessage, pcm)
	})
	defer h.coord.UnbindSink(callID)

	// reader: caller audio and control commands
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel() // unblocks the event loop below
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		for {
			mt, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch mt {
			case websocket.BinaryMessage:
				h.coord.OnAudioFragment(callID, data)

			case websocket.TextMessage:
				reply, cerr := h.coord.OnCommand(callID, data)
				if cerr != nil {
					_ = wc.write(websocket.TextMessage, []byte(`{"type":"error","code":"INVALID_ARGUMENT","message":"bad command"}`))
					continue
				}
				if reply != nil {
					if werr := wc.write(websocket.TextMessage, reply); werr != nil {
						return
					}
				}
			}
		}
	}()

	if h.redis == nil {
		select {
		case <-readDone:
		case <-ctx.Done():
		}
		log.Info("bridge disconnected")
		return
	}

	// writer: call events -> WS text frames
	pubsub := h.redis.Subscribe(ctx, engine.EventChannel(callID))
	defer pubsub.Close()

	for {
		select {
		case <-readDone:
			log.Info("bridge disconnected")
			return
		case <-ctx.Done():
			return
		default:
			m, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			if werr := wc.write(websocket.TextMessage, []byte(m.Payload)); werr != nil {
				return
			}
		}
	}
}
