package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Jobs arrive from extension content scripts on arbitrary pages.
	CheckOrigin: func(*http.Request) bool { return true },
}

const sendBuffer = 32

// wsFrame is every frame shape the socket speaks, client and server side.
type wsFrame struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Payload   *lens.Job     `json:"payload,omitempty"`
	Result    lens.Document `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// client is one connected socket with its outbound pump.
type client struct {
	conn *websocket.Conn
	send chan wsFrame
	once sync.Once
	done chan struct{}
}

// push queues a frame without blocking. Delivery is best-effort; a full or
// closing client just misses the frame.
func (c *client) push(frame wsFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writePump(logger *zap.Logger) {
	defer func() {
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}

// Hub tracks connected sockets and which job each one is waiting on. It is
// the notifier the workers push terminal results through; the stored result
// stays canonical and delivery here is best-effort.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*client
	clients map[*client]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		pending: make(map[string]*client),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan wsFrame, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.IncWSClients()
	h.logger.Debug("websocket client connected", zap.Int("total", total))
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	for id, owner := range h.pending {
		if owner == c {
			delete(h.pending, id)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !known {
		return
	}
	c.close()
	metrics.DecWSClients()
	h.logger.Debug("websocket client disconnected", zap.Int("total", total))
}

// track registers the socket waiting on a job.
func (h *Hub) track(id string, c *client) {
	h.mu.Lock()
	h.pending[id] = c
	h.mu.Unlock()
}

// drop forgets one pending registration.
func (h *Hub) drop(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// take removes and returns the socket waiting on a job, if any.
func (h *Hub) take(id string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	return c
}

// NotifyResult pushes a completed payload to the socket waiting on the job.
func (h *Hub) NotifyResult(id string, payload lens.Document) {
	c := h.take(id)
	if c == nil {
		return
	}
	if c.push(wsFrame{Type: "result", ID: id, Result: payload}) {
		h.logger.Info("sent websocket result", zap.String("job_id", id))
	}
}

// NotifyError pushes a failure to the socket waiting on the job.
func (h *Hub) NotifyError(id string, errText, errKind string) {
	c := h.take(id)
	if c == nil {
		return
	}
	if c.push(wsFrame{Type: "error", ID: id, Error: errText, ErrorType: errKind}) {
		h.logger.Info("sent websocket error", zap.String("job_id", id))
	}
}

// ClientCount reports how many sockets are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PendingCount reports how many jobs still have a waiting socket.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens != nil {
		if _, err := s.deps.Tokens.Verify(bearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.ensureWorkers()

	c := s.deps.Hub.add(conn)
	go c.writePump(s.logger)
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.deps.Hub.remove(c)
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var msg wsFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			c.push(wsFrame{Type: "error", Detail: "invalid JSON"})
			continue
		}
		switch msg.Type {
		case "job":
			s.acceptWSJob(c, msg)
		default:
			c.push(wsFrame{Type: "error", Detail: "unknown_type"})
		}
	}
}

func (s *Server) acceptWSJob(c *client, msg wsFrame) {
	if msg.Payload == nil {
		c.push(wsFrame{Type: "error", Detail: "payload required"})
		return
	}
	job := *msg.Payload
	if err := job.Normalize(); err != nil {
		c.push(wsFrame{Type: "error", Detail: err.Error()})
		return
	}

	jid := msg.ID
	if jid == "" {
		var err error
		jid, err = s.deps.IDGen.NewID()
		if err != nil {
			s.logger.Error("job id generation failed", zap.Error(err))
			c.push(wsFrame{Type: "error", Detail: "failed to generate job id"})
			return
		}
	}
	job.Metadata.AppendStage(lens.StageReceivedWS, s.deps.Clock.Now())

	// Register before the ack so the result push cannot race the worker.
	s.deps.Hub.track(jid, c)
	c.push(wsFrame{Type: "ack", ID: jid})

	if err := s.enqueue(context.Background(), jid, job, "ws"); err != nil {
		s.deps.Hub.drop(jid)
		switch {
		case errors.Is(err, lens.ErrUnsupportedMode):
			c.push(wsFrame{Type: "error", Detail: "unsupported_mode"})
		case errors.Is(err, lens.ErrQueueFull):
			c.push(wsFrame{Type: "error", ID: jid, Detail: "queue_full"})
		default:
			s.logger.Error("websocket enqueue failed", zap.String("job_id", jid), zap.Error(err))
			c.push(wsFrame{Type: "error", ID: jid, Detail: "enqueue failed"})
		}
	}
}
