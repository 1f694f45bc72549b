package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"riskengine/core/compile"
	"riskengine/core/cycle"
	"riskengine/internal/logging"
	"riskengine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is a message sent to stream clients
type Event struct {
	Type      string    `json:"type"`
	ProcessID string    `json:"process_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Event types
const (
	EventCompiled          = "view_compiled"
	EventCompilationFailed = "view_compilation_failed"
	EventCycleStarted      = "cycle_started"
	EventFragment          = "cycle_fragment"
	EventCycleCompleted    = "cycle_completed"
	EventCycleFailed       = "cycle_failed"
	EventProcessCompleted  = "process_completed"
	EventTerminated        = "process_terminated"
)

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	process string
}

// Hub streams view process events to websocket clients. A client whose
// buffer is full is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub with a per-client send buffer
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		logger:  logging.OrNamed(logger, "api.hub"),
		clients: make(map[*client]bool),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and streams events. The optional
// "process" query parameter limits the stream to one view process.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:    conn,
		send:    make(chan []byte, h.buffer),
		process: r.URL.Query().Get("process"),
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	metrics.StreamClients.Inc()
	h.logger.Debug("stream client connected", zap.String("remote", r.RemoteAddr), zap.String("process", c.process))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		metrics.StreamClients.Dec()
	}
}

// readPump discards client messages and detects disconnects
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish sends an event to every interested client
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode stream event", zap.String("type", e.Type), zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.process != "" && c.process != e.ProcessID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// Listener returns a cycle listener publishing one process's events
func (h *Hub) Listener(processID string) cycle.Listener {
	return &processListener{hub: h, process: processID}
}

type processListener struct {
	hub     *Hub
	process string
}

func (l *processListener) publish(kind string, data any, err error) {
	e := Event{Type: kind, ProcessID: l.process, Data: data}
	if err != nil {
		e.Error = err.Error()
	}
	l.hub.Publish(e)
}

func (l *processListener) ViewDefinitionCompiled(cv *compile.CompiledView) {
	l.publish(EventCompiled, map[string]any{
		"compilation_id": cv.ID,
		"view":           cv.View.Name,
		"configurations": cv.Configurations(),
		"valid_to":       cv.ValidTo,
	}, nil)
}

func (l *processListener) ViewDefinitionCompilationFailed(at time.Time, err error) {
	l.publish(EventCompilationFailed, map[string]any{"valuation_time": at}, err)
}

func (l *processListener) CycleStarted(info cycle.Info) {
	l.publish(EventCycleStarted, info, nil)
}

func (l *processListener) CycleFragmentCompleted(f *cycle.Fragment) {
	l.publish(EventFragment, f, nil)
}

// CycleCompleted streams the delta; clients fetch full results over HTTP
func (l *processListener) CycleCompleted(_, delta *cycle.ResultModel) {
	l.publish(EventCycleCompleted, delta, nil)
}

func (l *processListener) CycleExecutionFailed(info cycle.Info, err error) {
	l.publish(EventCycleFailed, info, err)
}

func (l *processListener) ProcessCompleted() {
	l.publish(EventProcessCompleted, nil, nil)
}

func (l *processListener) ProcessTerminated(interrupted bool) {
	l.publish(EventTerminated, map[string]bool{"interrupted": interrupted}, nil)
}
