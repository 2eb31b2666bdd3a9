package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/expiry"
	"github.com/mcdev12/botlink/go/internal/broker/rooms"
	"github.com/rs/zerolog/log"
)

// Broker owns the room registry and the expiry scheduler and creates sessions
// for verified connections.
type Broker struct {
	rooms             *rooms.Registry[*Session]
	expiry            *expiry.Scheduler
	publisher         Publisher
	verificationToken string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	timers sync.WaitGroup
}

// NewBroker wires a broker. A nil publisher falls back to logging.
func NewBroker(registry *rooms.Registry[*Session], scheduler *expiry.Scheduler, publisher Publisher, verificationToken string) *Broker {
	if registry == nil {
		registry = rooms.NewRegistry[*Session]()
	}
	if scheduler == nil {
		scheduler = expiry.NewScheduler()
	}
	if publisher == nil {
		publisher = NewLogPublisher()
	}
	return &Broker{
		rooms:             registry,
		expiry:            scheduler,
		publisher:         publisher,
		verificationToken: verificationToken,
		done:              make(chan struct{}),
	}
}

// Open runs a verified connection through Connecting -> Authenticated -> join.
// The returned session is either in its room or closing with a rejection queued.
func (b *Broker) Open(identity auth.Identity, conn Transport) *Session {
	s := &Session{broker: b, conn: conn, state: StateConnecting}
	s.authenticate(identity)
	s.join()
	return s
}

// Stats returns room occupancy
func (b *Broker) Stats() rooms.Stats {
	return b.rooms.Stats()
}

// PendingExpiries is the number of controller sessions with an armed expiry chain
func (b *Broker) PendingExpiries() int {
	return b.expiry.Pending()
}

func (b *Broker) clock() clockwork.Clock {
	return b.expiry.Clock()
}

// Close cancels pending rejection timers and waits for their goroutines. It is
// safe to call more than once. Connections are left to their owner.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.timers.Wait()
}

// after runs fn once d has elapsed on the broker clock, unless the broker is
// closed first.
func (b *Broker) after(d time.Duration, fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timers.Add(1)
	b.mu.Unlock()

	timer := b.clock().NewTimer(d)
	go func() {
		defer b.timers.Done()
		select {
		case <-timer.Chan():
			fn()
		case <-b.done:
			timer.Stop()
		}
	}()
}

func (b *Broker) publish(eventType LifecycleType, s *Session, reason string) {
	event := LifecycleEvent{
		EventID:      uuid.New(),
		EventType:    eventType,
		RoomID:       s.RoomID(),
		ConnectionID: s.ConnectionID(),
		Role:         s.Role(),
		RemoteAddr:   s.conn.RemoteAddr(),
		Reason:       reason,
		Timestamp:    b.clock().Now().UTC(),
	}
	if err := b.publisher.Publish(context.Background(), event); err != nil {
		log.Error().
			Err(err).
			Str("event_type", string(eventType)).
			Str("connection_id", event.ConnectionID).
			Msg("failed to publish lifecycle event")
	}
}
