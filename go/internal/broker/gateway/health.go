package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HealthStatus struct {
	Healthy         bool
	Connections     int
	ActiveRooms     int
	Controllers     int
	Devices         int
	PendingExpiries int
	BusConfigured   bool
	BusConnected    bool
	Errors          []string
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// connectivity is implemented by publishers backed by a network connection
type connectivity interface {
	Connected() bool
}

// BrokerHealthChecker reports occupancy and lifecycle bus connectivity
type BrokerHealthChecker struct {
	handler   *WebSocketHandler
	publisher Publisher
}

func NewBrokerHealthChecker(handler *WebSocketHandler, publisher Publisher) *BrokerHealthChecker {
	return &BrokerHealthChecker{handler: handler, publisher: publisher}
}

func (h *BrokerHealthChecker) Check(ctx context.Context) HealthStatus {
	stats := h.handler.Stats()
	status := HealthStatus{
		Healthy:         true,
		Connections:     stats.TotalConnections,
		ActiveRooms:     stats.ActiveRooms,
		Controllers:     stats.Controllers,
		Devices:         stats.Devices,
		PendingExpiries: stats.PendingExpiries,
		Errors:          []string{},
	}

	// A bus outage degrades observability only; sessions keep working.
	if bus, ok := h.publisher.(connectivity); ok {
		status.BusConfigured = true
		status.BusConnected = bus.Connected()
		if !status.BusConnected {
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	return status
}

// ServeHTTP writes the health status as JSON
func (h *BrokerHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	response := map[string]interface{}{
		"healthy":          status.Healthy,
		"connections":      status.Connections,
		"active_rooms":     status.ActiveRooms,
		"controllers":      status.Controllers,
		"devices":          status.Devices,
		"pending_expiries": status.PendingExpiries,
		"errors":           status.Errors,
	}
	if status.BusConfigured {
		response["nats_connected"] = status.BusConnected
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// PrometheusExporter renders the health status in the Prometheus text format
type PrometheusExporter struct {
	checker HealthChecker
}

func NewPrometheusExporter(checker HealthChecker) *PrometheusExporter {
	return &PrometheusExporter{checker: checker}
}

func (e *PrometheusExporter) Export(ctx context.Context) string {
	status := e.checker.Check(ctx)

	out := fmt.Sprintf(`# HELP broker_connections Open websocket connections
# TYPE broker_connections gauge
broker_connections %d

# HELP broker_rooms Rooms with at least one occupant
# TYPE broker_rooms gauge
broker_rooms %d

# HELP broker_room_occupants Room occupants by role
# TYPE broker_room_occupants gauge
broker_room_occupants{role="controller"} %d
broker_room_occupants{role="device"} %d

# HELP broker_pending_expiries Controller sessions with an armed expiry
# TYPE broker_pending_expiries gauge
broker_pending_expiries %d
`, status.Connections, status.ActiveRooms, status.Controllers, status.Devices, status.PendingExpiries)

	if status.BusConfigured {
		connected := 0
		if status.BusConnected {
			connected = 1
		}
		out += fmt.Sprintf(`
# HELP broker_nats_connected Whether the lifecycle bus is connected
# TYPE broker_nats_connected gauge
broker_nats_connected %d
`, connected)
	}
	return out
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, e.Export(r.Context()))
}
