package gateway

import (
	"github.com/mcdev12/botlink/go/internal/broker/events"
	"github.com/rs/zerolog/log"
)

// relay forwards a relayed event to every other occupant of the room. The payload
// is not inspected. Without a peer the event is dropped.
func (s *Session) relay(env events.Envelope) {
	peers := s.broker.rooms.Peers(s.RoomID(), s)
	if len(peers) == 0 {
		log.Debug().
			Str("connection_id", s.ConnectionID()).
			Str("room_id", s.RoomID()).
			Str("event", string(env.Event)).
			Msg("no peer in room, dropping event")
		return
	}

	out := events.Forward(env)
	for _, peer := range peers {
		peer.emit(out)
	}
}
