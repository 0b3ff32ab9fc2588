package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/workspace"
	"github.com/GriffinCanCode/sandbox-preview/internal/shared/id"
	"github.com/GriffinCanCode/sandbox-preview/internal/shared/validate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = validate.MaxPayloadSize + 1024

	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 256
)

// Frame types sent to the client
const (
	FrameReady   = "ready"
	FrameEntry   = "entry"
	FrameRebuild = "rebuild"
	FrameError   = "error"
)

// Frame is one server-to-client message
type Frame struct {
	Type     string        `json:"type"`
	Surface  string        `json:"surface,omitempty"`
	Instance string        `json:"instance,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
	Entry    *broker.Entry `json:"entry,omitempty"`
	Rebuild  *RebuildEvent `json:"rebuild,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Options configures a Handler
type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	SendBuffer     int
	Logger         *logging.Logger
	Metrics        *monitoring.Metrics
}

// Handler streams a surface's console and rebuild events over a websocket
// and forwards extension messages from the client to the live instance
type Handler struct {
	workspace *workspace.Workspace
	hub       *Hub
	opts      Options
	upgrader  websocket.Upgrader
	log       *logging.Logger
	metrics   *monitoring.Metrics
}

// NewHandler creates a websocket handler
func NewHandler(ws *workspace.Workspace, hub *Hub, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	h := &Handler{
		workspace: ws,
		hub:       hub,
		opts:      opts,
		log:       logging.OrNop(opts.Logger).Component("ws"),
		metrics:   opts.Metrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Serve handles GET /surfaces/:id/events. Recorded history after ?since is
// replayed before live events, without duplicates.
func (h *Handler) Serve(c *gin.Context) {
	surfaceID := c.Param("id")
	m, err := h.workspace.Get(surfaceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var since uint64
	if raw := c.Query("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", logging.Surface(surfaceID), zap.Error(err))
		return
	}

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	cl := &client{
		surfaceID: surfaceID,
		conn:      conn,
		send:      make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
		ping:      h.opts.PingInterval,
		log:       h.log.ForSurface(surfaceID).With(zap.String("client", id.NewClientID().String())),
		metrics:   h.metrics,
	}
	cl.log.Debug("Client connected", zap.Uint64("since", since))
	cl.run(c.Request.Context(), h.hub, m.Surface, since)
	cl.log.Debug("Client disconnected")
}

type client struct {
	surfaceID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	ping      time.Duration
	log       *logging.Logger
	metrics   *monitoring.Metrics
}

func (c *client) run(ctx context.Context, hub *Hub, s *surface.Surface, since uint64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	cancelRebuilds := hub.Subscribe(c.surfaceID, func(ev RebuildEvent) {
		c.enqueue(Frame{Type: FrameRebuild, Surface: c.surfaceID, Instance: ev.Instance, Rebuild: &ev})
	})
	defer cancelRebuilds()

	cancelEntries, last := c.replay(s.Broker(), since)
	defer cancelEntries()

	ready := Frame{Type: FrameReady, Surface: c.surfaceID, Seq: last}
	if inst := s.Current(); inst != nil {
		ready.Instance = inst.ID
	}
	c.enqueue(ready)

	c.readPump(ctx, s)
	c.stop()
	wg.Wait()
}

// replay subscribes to live entries first, then sends the recorded ones.
// Live entries arriving meanwhile are held back and sent afterwards unless
// the replay already covered them.
func (c *client) replay(b *broker.Broker, since uint64) (cancel func(), last uint64) {
	var mu sync.Mutex
	replaying := true
	var held []broker.Entry

	cancel = b.OnEntry(func(e broker.Entry) {
		mu.Lock()
		defer mu.Unlock()
		if replaying {
			held = append(held, e)
			return
		}
		c.enqueueEntry(e)
	})

	last = since
	for _, e := range b.History().Since(since) {
		c.enqueueEntry(e)
		last = e.Seq
	}

	mu.Lock()
	defer mu.Unlock()
	replaying = false
	for _, e := range held {
		if e.Seq > last {
			c.enqueueEntry(e)
			last = e.Seq
		}
	}
	return cancel, last
}

func (c *client) enqueueEntry(e broker.Entry) {
	c.enqueue(Frame{Type: FrameEntry, Surface: c.surfaceID, Instance: e.Instance, Seq: e.Seq, Entry: &e})
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *client) enqueue(f Frame) {
	data, err := sonic.Marshal(f)
	if err != nil {
		c.log.Error("Failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		c.metrics.RecordWSMessage("out", f.Type)
	default:
		c.log.Warn("Send buffer full, dropping client")
		c.stop()
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *client) readPump(ctx context.Context, s *surface.Surface) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * c.ping))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.ping))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.metrics.RecordWSMessage("in", "invalid")
			c.fail(err.Error())
			continue
		}
		c.metrics.RecordWSMessage("in", string(msg.Type))

		if msg.Type.Core() {
			c.fail(string(msg.Type) + " is produced by the sandbox")
			continue
		}
		if err := validate.Payload(msg.Payload); err != nil {
			c.fail(err.Error())
			continue
		}
		switch err := s.Post(ctx, msg); {
		case errors.Is(err, surface.ErrNoInstance):
			c.fail("surface has not been rendered")
		case err != nil:
			c.fail(err.Error())
		}
	}
}

func (c *client) fail(message string) {
	c.enqueue(Frame{Type: FrameError, Surface: c.surfaceID, Message: message})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
