package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/botlink/go/internal/broker/events"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

const sendBufferSize = 256

// ConnectionManager upgrades websocket requests and tracks live connections
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// Connection is one websocket peer. It implements Transport.
type Connection struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	send       chan []byte
	manager    *ConnectionManager

	connectedAt time.Time

	mu     sync.Mutex
	closed bool
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     OriginChecker(nil),
	}
}

// withDefaults replaces unset or non-positive fields with their defaults. A zero
// ping interval would panic the write pump.
func (c ConnectionConfig) withDefaults() ConnectionConfig {
	defaults := DefaultConnectionConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = defaults.CheckOrigin
	}
	return c
}

// OriginChecker admits requests whose Origin is listed. An empty list or "*" admits
// everything; requests without an Origin header are non-browser clients and pass.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originSet[origin]
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	config = config.withDefaults()
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. The connection does
// not read or write until Start is called.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		id:          uuid.New().String(),
		remoteAddr:  clientIP(r),
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		manager:     cm,
		connectedAt: time.Now(),
	}
	cm.register(conn)
	return conn, nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	cm.connections[conn.id] = conn
	total := len(cm.connections)
	cm.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.id).
		Str("remote_addr", conn.remoteAddr).
		Int("total_connections", total).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.connections[conn.id]; ok {
		delete(cm.connections, conn.id)
		log.Debug().
			Str("connection_id", conn.id).
			Dur("connected_for", time.Since(conn.connectedAt)).
			Msg("connection unregistered")
	}
}

// Count returns the number of open websocket connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll closes every tracked connection. Used on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

// ID implements Transport
func (c *Connection) ID() string { return c.id }

// RemoteAddr implements Transport
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Emit queues an envelope for the write pump without blocking.
func (c *Connection) Emit(env events.Envelope) error {
	frame, err := events.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops accepting frames. Queued frames are still flushed, followed by a
// close frame.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Start runs the pumps for a session. It returns immediately.
func (c *Connection) Start(session *Session) {
	go c.writePump()
	go c.readPump(session)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump decodes inbound frames in arrival order and hands them to the session.
func (c *Connection) readPump(session *Session) {
	cfg := c.manager.config
	defer func() {
		session.Terminate("connection closed")
		c.manager.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if messageType != websocket.TextMessage {
			log.Debug().Str("connection_id", c.id).Int("type", messageType).Msg("ignoring non-text frame")
			continue
		}

		env, err := events.Decode(frame)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("ignoring malformed frame")
			continue
		}

		if !c.dispatch(session, env) {
			return
		}
	}
}

// dispatch runs the handler and turns a panic into a dropped connection.
func (c *Connection) dispatch(session *Session, env events.Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("connection_id", c.id).
				Str("event", string(env.Event)).
				Msg("panic while handling event")
			ok = false
		}
	}()
	session.Handle(env)
	return true
}
