package rooms

import (
	"fmt"
	"sync"

	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/rs/zerolog/log"
)

const (
	controllerConflictMessage = "Someone is already controlling the device"
	deviceConflictMessage     = "The control channel is already in use"
)

// Occupant is anything that can sit in a room slot
type Occupant interface {
	ConnectionID() string
	Role() auth.Role
}

// RoleConflictError is returned when a room already holds a connection of the joining role.
type RoleConflictError struct {
	RoomID string
	Role   auth.Role
}

func (e *RoleConflictError) Error() string {
	if e.Role == auth.RoleController {
		return controllerConflictMessage
	}
	return deviceConflictMessage
}

// Room holds at most one controller and at most one device
type Room[T Occupant] struct {
	ID         string
	controller T
	device     T
	hasCtrl    bool
	hasDevice  bool
}

func (r *Room[T]) empty() bool {
	return !r.hasCtrl && !r.hasDevice
}

func (r *Room[T]) slot(role auth.Role) (T, bool) {
	if role == auth.RoleController {
		return r.controller, r.hasCtrl
	}
	return r.device, r.hasDevice
}

func (r *Room[T]) set(role auth.Role, occupant T) {
	if role == auth.RoleController {
		r.controller, r.hasCtrl = occupant, true
		return
	}
	r.device, r.hasDevice = occupant, true
}

func (r *Room[T]) clear(role auth.Role) {
	var zero T
	if role == auth.RoleController {
		r.controller, r.hasCtrl = zero, false
		return
	}
	r.device, r.hasDevice = zero, false
}

// Stats summarises registry occupancy
type Stats struct {
	Rooms       int `json:"active_rooms"`
	Controllers int `json:"controllers"`
	Devices     int `json:"devices"`
}

// Registry maps room ids to rooms. Rooms are created on first join and removed
// once empty. A single mutex serializes every operation so two concurrent joins
// of the same role can never both succeed.
type Registry[T Occupant] struct {
	mu    sync.Mutex
	rooms map[string]*Room[T]
}

// NewRegistry creates an empty registry
func NewRegistry[T Occupant]() *Registry[T] {
	return &Registry[T]{rooms: make(map[string]*Room[T])}
}

// Join admits the occupant into roomID unless its role slot is taken.
// The existing occupant is never evicted; the newcomer gets a *RoleConflictError.
func (r *Registry[T]) Join(roomID string, occupant T) error {
	role := occupant.Role()
	if role != auth.RoleController && role != auth.RoleDevice {
		return fmt.Errorf("unknown role %q", role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room[T]{ID: roomID}
		r.rooms[roomID] = room
	}

	if existing, taken := room.slot(role); taken {
		log.Info().
			Str("room_id", roomID).
			Str("role", string(role)).
			Str("connection_id", occupant.ConnectionID()).
			Str("occupant_id", existing.ConnectionID()).
			Msg("role already occupied")
		return &RoleConflictError{RoomID: roomID, Role: role}
	}

	room.set(role, occupant)
	log.Debug().
		Str("room_id", roomID).
		Str("role", string(role)).
		Str("connection_id", occupant.ConnectionID()).
		Msg("occupant joined room")
	return nil
}

// Leave removes the occupant from roomID if it holds its role slot. A connection
// that was refused never matches, so leaving cannot evict the real occupant.
func (r *Registry[T]) Leave(roomID string, occupant T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	role := occupant.Role()
	current, taken := room.slot(role)
	if !taken || current.ConnectionID() != occupant.ConnectionID() {
		return false
	}

	room.clear(role)
	if room.empty() {
		delete(r.rooms, roomID)
		log.Debug().Str("room_id", roomID).Msg("room discarded")
	}
	return true
}

// Peers returns every occupant of roomID other than the given one.
func (r *Registry[T]) Peers(roomID string, occupant T) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var peers []T
	for _, role := range []auth.Role{auth.RoleController, auth.RoleDevice} {
		other, taken := room.slot(role)
		if taken && other.ConnectionID() != occupant.ConnectionID() {
			peers = append(peers, other)
		}
	}
	return peers
}

// Occupant returns the connection holding role in roomID.
func (r *Registry[T]) Occupant(roomID string, role auth.Role) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		var zero T
		return zero, false
	}
	return room.slot(role)
}

// Stats returns current occupancy counts
func (r *Registry[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Rooms: len(r.rooms)}
	for _, room := range r.rooms {
		if room.hasCtrl {
			stats.Controllers++
		}
		if room.hasDevice {
			stats.Devices++
		}
	}
	return stats
}
