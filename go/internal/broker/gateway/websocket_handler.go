package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler authenticates websocket requests and hands them to the broker
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	verifier          *auth.Verifier
	broker            *Broker
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, verifier *auth.Verifier, broker *Broker) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		verifier:          verifier,
		broker:            broker,
	}
}

// HandleSession verifies the bearer token, then upgrades and opens a session.
// Unauthenticated requests never reach the room registry.
func (h *WebSocketHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err == nil {
		var identity auth.Identity
		identity, err = h.verifier.Verify(token)
		if err == nil {
			h.open(w, r, identity)
			return
		}
	}

	log.Info().
		Err(err).
		Str("remote_addr", clientIP(r)).
		Msg("rejected websocket handshake")
	http.Error(w, err.Error(), http.StatusUnauthorized)
}

func (h *WebSocketHandler) open(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	conn, err := h.connectionManager.UpgradeConnection(w, r)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Error().
			Err(err).
			Str("room_id", identity.SubjectID).
			Str("role", string(identity.Role)).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	session := h.broker.Open(identity, conn)
	conn.Start(session)
}

// ConnectionStats is the body of /ws/stats
type ConnectionStats struct {
	TotalConnections int `json:"total_connections"`
	ActiveRooms      int `json:"active_rooms"`
	Controllers      int `json:"controllers"`
	Devices          int `json:"devices"`
	PendingExpiries  int `json:"pending_expiries"`
}

// Stats snapshots connection and room counts
func (h *WebSocketHandler) Stats() ConnectionStats {
	rs := h.broker.Stats()
	return ConnectionStats{
		TotalConnections: h.connectionManager.Count(),
		ActiveRooms:      rs.Rooms,
		Controllers:      rs.Controllers,
		Devices:          rs.Devices,
		PendingExpiries:  h.broker.PendingExpiries(),
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleSession)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
