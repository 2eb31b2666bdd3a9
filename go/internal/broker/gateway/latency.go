package gateway

import (
	"encoding/json"

	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/events"
	"github.com/rs/zerolog/log"
)

const noDeviceMessage = "No connection to device"

// ackServerPing answers a broker-latency probe straight away; the client times
// the round trip itself.
func (s *Session) ackServerPing(env events.Envelope) {
	s.emit(events.AckFor(env))
}

// probeDevice forwards a controller's peer-latency probe to the device of the
// room. The device answers with latencyTestResult, which goes back through relay.
func (s *Session) probeDevice(env events.Envelope) {
	if s.Role() != auth.RoleController {
		log.Warn().
			Str("connection_id", s.ConnectionID()).
			Str("role", string(s.Role())).
			Msg("pingBot from non-controller ignored")
		return
	}

	device, ok := s.broker.rooms.Occupant(s.RoomID(), auth.RoleDevice)
	if !ok {
		s.emit(events.Error(noDeviceMessage))
		return
	}

	var probe events.LatencyPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &probe); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", s.ConnectionID()).
				Msg("malformed pingBot payload")
			return
		}
	}

	request, err := events.New(events.LatencyTestRequest, probe)
	if err != nil {
		log.Error().Err(err).Str("connection_id", s.ConnectionID()).Msg("failed to build latency request")
		return
	}

	s.emit(events.Envelope{Event: events.Clear})
	device.emit(request)
}
