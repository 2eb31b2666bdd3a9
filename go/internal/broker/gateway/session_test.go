package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/events"
	"github.com/mcdev12/botlink/go/internal/broker/expiry"
	"github.com/mcdev12/botlink/go/internal/broker/rooms"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

const verificationToken = "verify-me"

type fakeTransport struct {
	id       string
	emitErr  error
	emitted  chan events.Envelope
	closedCh chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:       id,
		emitted:  make(chan events.Envelope, 64),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ID() string         { return f.id }
func (f *fakeTransport) RemoteAddr() string { return "192.0.2.1" }

func (f *fakeTransport) Emit(env events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted <- env
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types(connectionID string) []LifecycleType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []LifecycleType
	for _, e := range p.events {
		if e.ConnectionID == connectionID {
			out = append(out, e.EventType)
		}
	}
	return out
}

type harness struct {
	broker    *Broker
	clock     *clockwork.FakeClock
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	scheduler := expiry.NewScheduler(expiry.WithClock(clock), expiry.WithGrace(time.Second))
	t.Cleanup(scheduler.Stop)
	publisher := &recordingPublisher{}
	broker := NewBroker(rooms.NewRegistry[*Session](), scheduler, publisher, verificationToken)
	t.Cleanup(broker.Close)
	return &harness{
		broker:    broker,
		clock:     clock,
		publisher: publisher,
	}
}

func (h *harness) controller(id, room string, expiresAt time.Time) (*Session, *fakeTransport) {
	conn := newFakeTransport(id)
	s := h.broker.Open(auth.Identity{SubjectID: room, Role: auth.RoleController, ExpiresAt: expiresAt}, conn)
	return s, conn
}

// device opens a device session and consumes its auth event when admitted.
func (h *harness) device(t *testing.T, id, room string) (*Session, *fakeTransport) {
	t.Helper()
	conn := newFakeTransport(id)
	s := h.broker.Open(auth.Identity{SubjectID: room, Role: auth.RoleDevice}, conn)
	if s.State() == StateInRoom {
		env := next(t, conn)
		require.Equal(t, events.Auth, env.Event)
	}
	return s, conn
}

func (h *harness) blockUntil(t *testing.T, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, waiters))
}

func next(t *testing.T, conn *fakeTransport) events.Envelope {
	t.Helper()
	select {
	case env := <-conn.emitted:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", conn.id)
		return events.Envelope{}
	}
}

func expectSilence(t *testing.T, conn *fakeTransport) {
	t.Helper()
	select {
	case env := <-conn.emitted:
		t.Fatalf("unexpected %s event on %s", env.Event, conn.id)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, conn *fakeTransport) {
	t.Helper()
	select {
	case <-conn.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to close", conn.id)
	}
}

func envelope(t *testing.T, name events.Name, payload interface{}) events.Envelope {
	t.Helper()
	env, err := events.New(name, payload)
	require.NoError(t, err)
	return env
}

func errorText(t *testing.T, env events.Envelope) string {
	t.Helper()
	require.Equal(t, events.ErrorMessage, env.Event)
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload.ErrorMessage
}

func TestOpen_DeviceReceivesVerificationToken(t *testing.T) {
	h := newHarness(t)

	conn := newFakeTransport("dev-1")
	s := h.broker.Open(auth.Identity{SubjectID: "room-1", Role: auth.RoleDevice}, conn)

	env := next(t, conn)
	require.Equal(t, events.Auth, env.Event)
	require.JSONEq(t, `{"token":"verify-me"}`, string(env.Data))
	require.Equal(t, StateInRoom, s.State())
	require.Equal(t, []LifecycleType{LifecycleJoined}, h.publisher.types("dev-1"))
}

func TestOpen_ControllerArmsExpiry(t *testing.T) {
	h := newHarness(t)

	s, conn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	require.Equal(t, StateInRoom, s.State())
	require.Equal(t, 1, h.broker.PendingExpiries())
	expectSilence(t, conn)
	require.Equal(t, rooms.Stats{Rooms: 1, Controllers: 1}, h.broker.Stats())
}

func TestRelay_ForwardsToDeviceOnly(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	dev, devConn := h.device(t, "dev-1", "room-1")

	ack := uint64(9)
	in := events.Envelope{Event: events.ControlMessage, Data: json.RawMessage(`{"throttle":0.5,"steer":[1,2]}`), Ack: &ack}
	ctrl.Handle(in)

	out := next(t, devConn)
	require.Equal(t, events.ControlMessage, out.Event)
	require.Equal(t, string(in.Data), string(out.Data))
	require.Nil(t, out.Ack)
	expectSilence(t, ctrlConn)

	dev.Handle(envelope(t, events.SensorData, map[string]int{"battery": 80}))
	out = next(t, ctrlConn)
	require.Equal(t, events.SensorData, out.Event)
	require.JSONEq(t, `{"battery":80}`, string(out.Data))
	expectSilence(t, devConn)
}

func TestRelay_AllRelayedKinds(t *testing.T) {
	h := newHarness(t)
	ctrl, _ := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	_, devConn := h.device(t, "dev-1", "room-1")

	for _, name := range []events.Name{
		events.ControlMessage, events.SensorData, events.ErrorMessage,
		events.BotErrorMessage, events.ClearBot, events.LatencyTestResult,
	} {
		ctrl.Handle(envelope(t, name, map[string]string{"kind": string(name)}))
		out := next(t, devConn)
		require.Equal(t, name, out.Event)
	}
}

func TestRelay_DroppedWithoutPeer(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))

	ctrl.Handle(envelope(t, events.ControlMessage, map[string]int{"x": 1}))
	expectSilence(t, ctrlConn)
	require.Equal(t, StateInRoom, ctrl.State())
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	_, devConn := h.device(t, "dev-1", "room-1")

	ctrl.Handle(events.Envelope{Event: "selfDestruct"})
	expectSilence(t, ctrlConn)
	expectSilence(t, devConn)
	require.Equal(t, StateInRoom, ctrl.State())
}

func TestPingServer_AcksImmediately(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))

	ack := uint64(42)
	ctrl.Handle(events.Envelope{Event: events.PingServer, Ack: &ack})

	out := next(t, ctrlConn)
	frame, err := events.Encode(out)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"ack","ack":42}`, string(frame))
}

func TestPingBot_AbsentThenPresent(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))

	probe := envelope(t, events.PingBot, map[string]int64{"startTime": 1735732800123})
	ctrl.Handle(probe)
	require.Equal(t, noDeviceMessage, errorText(t, next(t, ctrlConn)))

	dev, devConn := h.device(t, "dev-1", "room-1")
	ctrl.Handle(probe)

	require.Equal(t, events.Clear, next(t, ctrlConn).Event)
	request := next(t, devConn)
	require.Equal(t, events.LatencyTestRequest, request.Event)
	require.JSONEq(t, `{"startTime":1735732800123}`, string(request.Data))

	// The device echoes the start time back; the relay carries it to the controller.
	dev.Handle(events.Envelope{Event: events.LatencyTestResult, Data: request.Data})
	result := next(t, ctrlConn)
	require.Equal(t, events.LatencyTestResult, result.Event)
	require.JSONEq(t, `{"startTime":1735732800123}`, string(result.Data))
}

func TestPingBot_FromDeviceIgnored(t *testing.T) {
	h := newHarness(t)
	_, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	dev, devConn := h.device(t, "dev-1", "room-1")

	dev.Handle(envelope(t, events.PingBot, map[string]int{"startTime": 1}))
	expectSilence(t, devConn)
	expectSilence(t, ctrlConn)
}

func TestJoin_ControllerConflict(t *testing.T) {
	h := newHarness(t)
	first, firstConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	h.blockUntil(t, 1)

	second, secondConn := h.controller("ctrl-2", "room-1", start.Add(time.Hour))
	require.Equal(t, "Someone is already controlling the device", errorText(t, next(t, secondConn)))
	require.Equal(t, StateClosing, second.State())
	require.False(t, secondConn.isClosed())
	require.Equal(t, []LifecycleType{LifecycleRejected}, h.publisher.types("ctrl-2"))

	// first chain timer + the rejection grace timer
	h.blockUntil(t, 2)
	h.clock.Advance(time.Second)
	waitClosed(t, secondConn)

	require.Equal(t, StateInRoom, first.State())
	require.False(t, firstConn.isClosed())
	require.Equal(t, rooms.Stats{Rooms: 1, Controllers: 1}, h.broker.Stats())
	require.Equal(t, 1, h.broker.PendingExpiries())
	require.NotContains(t, h.publisher.types("ctrl-2"), LifecycleLeft)
}

func TestJoin_DeviceConflict(t *testing.T) {
	h := newHarness(t)
	_, _ = h.device(t, "dev-1", "room-1")

	second, secondConn := h.device(t, "dev-2", "room-1")
	require.Equal(t, "The control channel is already in use", errorText(t, next(t, secondConn)))
	require.Equal(t, StateClosing, second.State())

	h.blockUntil(t, 1)
	h.clock.Advance(time.Second)
	waitClosed(t, secondConn)
	require.Equal(t, rooms.Stats{Rooms: 1, Devices: 1}, h.broker.Stats())
}

func TestBrokerClose_CancelsPendingRejection(t *testing.T) {
	h := newHarness(t)
	_, _ = h.device(t, "dev-1", "room-1")

	_, secondConn := h.device(t, "dev-2", "room-1")
	require.Equal(t, "The control channel is already in use", errorText(t, next(t, secondConn)))
	h.blockUntil(t, 1)

	h.broker.Close()
	h.blockUntil(t, 0)

	h.clock.Advance(time.Minute)
	require.Never(t, secondConn.isClosed, 50*time.Millisecond, 5*time.Millisecond)

	h.broker.Close()
}

func TestBrokerClose_LaterRejectionArmsNoTimer(t *testing.T) {
	h := newHarness(t)
	_, _ = h.device(t, "dev-1", "room-1")
	h.broker.Close()

	second, secondConn := h.device(t, "dev-2", "room-1")
	require.Equal(t, "The control channel is already in use", errorText(t, next(t, secondConn)))
	require.Equal(t, StateClosing, second.State())
	h.blockUntil(t, 0)
}

func TestJoin_RejectedSessionDropsEvents(t *testing.T) {
	h := newHarness(t)
	_, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	_, devConn := h.device(t, "dev-1", "room-1")

	intruder, intruderConn := h.controller("ctrl-2", "room-1", start.Add(time.Hour))
	next(t, intruderConn)

	intruder.Handle(envelope(t, events.ControlMessage, map[string]int{"x": 1}))
	expectSilence(t, devConn)
	expectSilence(t, ctrlConn)
}

func TestExpiry_WarnsThenDisconnects(t *testing.T) {
	h := newHarness(t)
	deadline := start.Add(5 * time.Second)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", deadline)
	dev, devConn := h.device(t, "dev-1", "room-1")
	h.blockUntil(t, 1)

	h.clock.Advance(5*time.Second - time.Millisecond)
	expectSilence(t, ctrlConn)

	h.clock.Advance(time.Millisecond)
	require.Equal(t, expiredMessage, errorText(t, next(t, ctrlConn)))
	require.Eventually(t, func() bool { return ctrl.State() == StateClosing }, time.Second, 5*time.Millisecond)
	require.False(t, ctrlConn.isClosed())

	// Closing sessions no longer act on inbound events.
	ctrl.Handle(envelope(t, events.ControlMessage, map[string]int{"x": 1}))
	expectSilence(t, devConn)

	h.blockUntil(t, 1)
	h.clock.Advance(time.Second)
	waitClosed(t, ctrlConn)

	require.Eventually(t, func() bool { return ctrl.State() == StateClosed }, time.Second, 5*time.Millisecond)
	require.Equal(t, rooms.Stats{Rooms: 1, Devices: 1}, h.broker.Stats())
	require.Equal(t, 0, h.broker.PendingExpiries())
	require.Equal(t,
		[]LifecycleType{LifecycleJoined, LifecycleExpired, LifecycleLeft},
		h.publisher.types("ctrl-1"))

	// The device stays connected and can be joined by a fresh controller.
	require.Equal(t, StateInRoom, dev.State())
	fresh, _ := h.controller("ctrl-2", "room-1", start.Add(time.Hour))
	require.Equal(t, StateInRoom, fresh.State())
}

func TestExpiry_AlreadyExpiredToken(t *testing.T) {
	h := newHarness(t)
	_, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(-time.Minute))

	require.Equal(t, expiredMessage, errorText(t, next(t, ctrlConn)))
	h.blockUntil(t, 1)
	h.clock.Advance(time.Second)
	waitClosed(t, ctrlConn)
}

func TestExpiry_ZeroDeadlineExpiresImmediately(t *testing.T) {
	h := newHarness(t)
	_, ctrlConn := h.controller("ctrl-1", "room-1", time.Time{})

	require.Equal(t, expiredMessage, errorText(t, next(t, ctrlConn)))
	h.blockUntil(t, 1)
	h.clock.Advance(time.Second)
	waitClosed(t, ctrlConn)
}

func TestTerminate_ReleasesRoomAndCancelsExpiry(t *testing.T) {
	h := newHarness(t)
	ctrl, ctrlConn := h.controller("ctrl-1", "room-1", start.Add(time.Hour))
	require.Equal(t, 1, h.broker.PendingExpiries())

	ctrl.Terminate("connection closed")
	ctrl.Terminate("connection closed")

	require.True(t, ctrlConn.isClosed())
	require.Equal(t, StateClosed, ctrl.State())
	require.Equal(t, 0, h.broker.PendingExpiries())
	require.Equal(t, rooms.Stats{}, h.broker.Stats())
	require.Equal(t, []LifecycleType{LifecycleJoined, LifecycleLeft}, h.publisher.types("ctrl-1"))

	ctrl.Handle(envelope(t, events.ControlMessage, map[string]int{"x": 1}))
}

func TestEmitFailure_DropsSession(t *testing.T) {
	h := newHarness(t)
	_, _ = h.controller("ctrl-1", "room-1", start.Add(time.Hour))

	conn := newFakeTransport("dev-1")
	conn.emitErr = errors.New("send buffer full")
	dev := h.broker.Open(auth.Identity{SubjectID: "room-1", Role: auth.RoleDevice}, conn)

	require.Equal(t, StateClosed, dev.State())
	require.True(t, conn.isClosed())
	require.Equal(t, rooms.Stats{Rooms: 1, Controllers: 1}, h.broker.Stats())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "in_room", StateInRoom.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", State(99).String())
}
