package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/expiry"
	"github.com/mcdev12/botlink/go/internal/broker/rooms"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	return errors.New("bus unavailable")
}

func (failingPublisher) Close() error { return nil }

func TestLifecycleEvent_WireShape(t *testing.T) {
	event := LifecycleEvent{
		EventID:      uuid.MustParse("6f1c1d2e-8d7a-4b44-9b7e-2f0a5c3d9e11"),
		EventType:    LifecycleRejected,
		RoomID:       "room-1",
		ConnectionID: "conn-1",
		Role:         auth.RoleController,
		Reason:       "Someone is already controlling the device",
		Timestamp:    start,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"eventId": "6f1c1d2e-8d7a-4b44-9b7e-2f0a5c3d9e11",
		"eventType": "rejected",
		"roomId": "room-1",
		"connectionId": "conn-1",
		"role": "controller",
		"reason": "Someone is already controlling the device",
		"timestamp": "2025-01-01T12:00:00Z"
	}`, string(data))
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := &NATSPublisher{prefix: "botlink.sessions"}
	require.Equal(t, "botlink.sessions.joined", p.Subject(LifecycleJoined))
	require.Equal(t, "botlink.sessions.left", p.Subject(LifecycleLeft))
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher()
	require.NoError(t, p.Publish(context.Background(), LifecycleEvent{EventID: uuid.New(), EventType: LifecycleJoined}))
	require.NoError(t, p.Close())
}

func TestPublishFailure_DoesNotAffectSessions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	scheduler := expiry.NewScheduler(expiry.WithClock(clock))
	t.Cleanup(scheduler.Stop)
	b := NewBroker(rooms.NewRegistry[*Session](), scheduler, failingPublisher{}, verificationToken)

	ctrlConn := newFakeTransport("ctrl-1")
	ctrl := b.Open(auth.Identity{SubjectID: "room-1", Role: auth.RoleController, ExpiresAt: start.Add(time.Hour)}, ctrlConn)
	require.Equal(t, StateInRoom, ctrl.State())

	ctrl.Terminate("connection closed")
	require.Equal(t, StateClosed, ctrl.State())
	require.Equal(t, rooms.Stats{}, b.Stats())
}

func TestNewBroker_Defaults(t *testing.T) {
	b := NewBroker(nil, nil, nil, verificationToken)
	t.Cleanup(b.expiry.Stop)

	require.IsType(t, &LogPublisher{}, b.publisher)
	require.Equal(t, expiry.DefaultGrace, b.expiry.Grace())
	require.Equal(t, rooms.Stats{}, b.Stats())
}
