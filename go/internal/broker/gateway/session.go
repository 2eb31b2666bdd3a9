package gateway

import (
	"errors"
	"sync"

	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/events"
	"github.com/mcdev12/botlink/go/internal/broker/expiry"
	"github.com/mcdev12/botlink/go/internal/broker/rooms"
	"github.com/rs/zerolog/log"
)

const (
	expiredMessage    = "The code expired - Ask for a new code"
	joinFailedMessage = "Unable to join the control channel"
)

// State is the lifecycle stage of a session
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateInRoom
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the network half of a session. Emit must not block.
type Transport interface {
	ID() string
	Emit(env events.Envelope) error
	Close()
	RemoteAddr() string
}

// Session glues one authenticated connection to its room, its expiry chain and
// the relay. All transitions go through the session mutex.
type Session struct {
	broker   *Broker
	conn     Transport
	identity auth.Identity

	mu    sync.Mutex
	state State
}

// ConnectionID implements rooms.Occupant
func (s *Session) ConnectionID() string {
	return s.conn.ID()
}

// Role implements rooms.Occupant
func (s *Session) Role() auth.Role {
	return s.identity.Role
}

// RoomID is the subject id shared by the controller and device tokens
func (s *Session) RoomID() string {
	return s.identity.SubjectID
}

// Identity returns the verified identity attached to the session
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// State returns the current lifecycle stage
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// authenticate attaches the verified identity. Identity never changes afterwards.
func (s *Session) authenticate(identity auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.state = StateAuthenticated
}

// join places the session in its room or schedules its rejection.
func (s *Session) join() {
	b := s.broker
	if err := b.rooms.Join(s.RoomID(), s); err != nil {
		message := joinFailedMessage
		var conflict *rooms.RoleConflictError
		if errors.As(err, &conflict) {
			message = conflict.Error()
		}
		s.reject(message)
		return
	}

	if !s.transition(StateAuthenticated, StateInRoom) {
		// Torn down while joining; undo the registration.
		b.rooms.Leave(s.RoomID(), s)
		return
	}

	log.Info().
		Str("connection_id", s.ConnectionID()).
		Str("room_id", s.RoomID()).
		Str("role", string(s.Role())).
		Str("remote_addr", s.conn.RemoteAddr()).
		Msg("joined room")
	b.publish(LifecycleJoined, s, "")

	switch s.Role() {
	case auth.RoleController:
		if !s.identity.StartsAt.IsZero() {
			log.Debug().
				Str("connection_id", s.ConnectionID()).
				Time("starts_at", s.identity.StartsAt).
				Msg("controller session window")
		}
		b.expiry.Arm(s.ConnectionID(), s.identity.ExpiresAt, expiry.Expiry{
			Warn:       s.warnExpired,
			Disconnect: func() { s.Terminate("code expired") },
		})
	case auth.RoleDevice:
		env, err := events.New(events.Auth, events.AuthPayload{Token: b.verificationToken})
		if err != nil {
			log.Error().Err(err).Str("connection_id", s.ConnectionID()).Msg("failed to build auth event")
			return
		}
		s.emit(env)
	}
}

// reject sends the refusal and closes the transport after the grace period so
// the message is flushed first.
func (s *Session) reject(message string) {
	if !s.transition(StateAuthenticated, StateClosing) {
		return
	}

	log.Info().
		Str("connection_id", s.ConnectionID()).
		Str("room_id", s.RoomID()).
		Str("role", string(s.Role())).
		Str("reason", message).
		Msg("join rejected")

	s.emit(events.Error(message))
	s.broker.publish(LifecycleRejected, s, message)
	s.broker.after(s.broker.expiry.Grace(), func() { s.Terminate(message) })
}

// warnExpired is the first half of the terminal expiry action.
func (s *Session) warnExpired() {
	if !s.transition(StateInRoom, StateClosing) {
		return
	}
	log.Info().
		Str("connection_id", s.ConnectionID()).
		Str("room_id", s.RoomID()).
		Msg("code expired, disconnecting")
	s.emit(events.Error(expiredMessage))
	s.broker.publish(LifecycleExpired, s, expiredMessage)
}

// Handle processes one inbound envelope. Only sessions that are in a room act on
// events; everything else is dropped.
func (s *Session) Handle(env events.Envelope) {
	if state := s.State(); state != StateInRoom {
		log.Debug().
			Str("connection_id", s.ConnectionID()).
			Str("event", string(env.Event)).
			Str("state", state.String()).
			Msg("dropping event outside room")
		return
	}

	switch {
	case env.Event == events.PingServer:
		s.ackServerPing(env)
	case env.Event == events.PingBot:
		s.probeDevice(env)
	case env.Event.Relayed():
		s.relay(env)
	default:
		log.Warn().
			Str("connection_id", s.ConnectionID()).
			Str("event", string(env.Event)).
			Msg("unknown event")
	}
}

// Terminate tears the session down: expiry is cancelled and the room slot is
// released before the transport closes, so no later event can observe a
// half-closed session. Safe to call more than once.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	b := s.broker
	b.expiry.Cancel(s.ConnectionID())
	if b.rooms.Leave(s.RoomID(), s) {
		b.publish(LifecycleLeft, s, reason)
	}
	s.conn.Close()

	log.Info().
		Str("connection_id", s.ConnectionID()).
		Str("room_id", s.RoomID()).
		Str("role", string(s.Role())).
		Str("reason", reason).
		Msg("session closed")
}

// emit queues an envelope for this session. A session that cannot keep up is dropped.
func (s *Session) emit(env events.Envelope) bool {
	if s.State() == StateClosed {
		return false
	}
	if err := s.conn.Emit(env); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", s.ConnectionID()).
			Str("event", string(env.Event)).
			Msg("failed to queue event, closing connection")
		s.Terminate("send failed")
		return false
	}
	return true
}
