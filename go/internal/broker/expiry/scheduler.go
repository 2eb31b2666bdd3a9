package expiry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCeiling is the longest delay a single timer link may cover (2^31-1 ms).
	DefaultCeiling = 2147483647 * time.Millisecond
	// DefaultGrace is the pause between the warning and the forced disconnect.
	DefaultGrace = time.Second
)

// State of an armed chain
type State int

const (
	StateScheduled State = iota
	StateWarned
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateWarned:
		return "warned"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Expiry holds the terminal actions of a chain. Warn runs at the deadline,
// Disconnect runs one grace period later.
type Expiry struct {
	Warn       func()
	Disconnect func()
}

// Status describes an armed chain
type Status struct {
	State    State
	Deadline time.Time
	// Links counts the intermediate ceiling-length waits already completed.
	Links int
}

type chain struct {
	id       string
	deadline time.Time
	expiry   Expiry
	state    State
	links    int
	timer    clockwork.Timer
	done     chan struct{}
}

// Scheduler fires an Expiry at or after a deadline using only timers no longer
// than the configured ceiling. Deadlines further away are reached through
// intermediate no-op links of exactly one ceiling each.
type Scheduler struct {
	clock   clockwork.Clock
	ceiling time.Duration
	grace   time.Duration

	mu     sync.Mutex
	chains map[string]*chain
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the clock; tests pass a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCeiling sets the maximum single-timer delay.
func WithCeiling(ceiling time.Duration) Option {
	return func(s *Scheduler) {
		if ceiling > 0 {
			s.ceiling = ceiling
		}
	}
}

// WithGrace sets the delay between warning and disconnect.
func WithGrace(grace time.Duration) Option {
	return func(s *Scheduler) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// NewScheduler creates a scheduler with the default ceiling and grace period.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clockwork.NewRealClock(),
		ceiling: DefaultCeiling,
		grace:   DefaultGrace,
		chains:  make(map[string]*chain),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Grace returns the configured grace period.
func (s *Scheduler) Grace() time.Duration {
	return s.grace
}

// Arm schedules expiry for id at deadline, replacing any chain already armed for id.
// A zero or past deadline skips straight to the warning.
func (s *Scheduler) Arm(id string, deadline time.Time, expiry Expiry) {
	c := &chain{
		id:       id,
		deadline: deadline,
		expiry:   expiry,
		state:    StateScheduled,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if existing, ok := s.chains[id]; ok {
		s.cancelLocked(existing)
		log.Debug().Str("connection_id", id).Msg("replaced existing expiry chain")
	}
	s.chains[id] = c
	s.mu.Unlock()

	if remaining := s.remaining(c); remaining > 0 {
		log.Info().
			Str("connection_id", id).
			Time("deadline", deadline).
			Dur("remaining", remaining).
			Msg("expiry armed")
	} else {
		log.Info().Str("connection_id", id).Msg("expiry deadline already passed")
	}

	go s.run(c)
}

// Cancel stops the chain armed for id. It is a no-op once the chain has fired.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[id]
	if !ok {
		return false
	}
	s.cancelLocked(c)
	delete(s.chains, id)
	log.Debug().Str("connection_id", id).Msg("expiry chain cancelled")
	return true
}

// Status reports the state of the chain armed for id.
func (s *Scheduler) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[id]
	if !ok {
		return Status{}, false
	}
	return Status{State: c.state, Deadline: c.deadline, Links: c.links}, true
}

// Pending returns the number of chains that have not reached a terminal state.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chains)
}

// Stop cancels every armed chain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chains {
		s.cancelLocked(c)
		delete(s.chains, id)
	}
}

func (s *Scheduler) run(c *chain) {
	for {
		remaining := s.remaining(c)
		if remaining <= 0 {
			break
		}
		if remaining <= s.ceiling {
			if !s.wait(c, remaining) {
				return
			}
			break
		}
		// Intermediate link: nothing happens when it fires except re-arming.
		if !s.wait(c, s.ceiling) {
			return
		}
		s.mu.Lock()
		c.links++
		s.mu.Unlock()
	}

	if !s.transition(c, StateScheduled, StateWarned) {
		return
	}
	if c.expiry.Warn != nil {
		c.expiry.Warn()
	}

	if !s.wait(c, s.grace) {
		return
	}
	if !s.transition(c, StateWarned, StateFired) {
		return
	}
	s.forget(c)
	if c.expiry.Disconnect != nil {
		c.expiry.Disconnect()
	}
}

// remaining is measured from the clock on every link so slow wake-ups never push
// the terminal action past the deadline by more than one timer's lateness.
func (s *Scheduler) remaining(c *chain) time.Duration {
	if c.deadline.IsZero() {
		return 0
	}
	return c.deadline.Sub(s.clock.Now())
}

// wait blocks for d on a fresh one-shot timer. It returns false if the chain was
// cancelled first.
func (s *Scheduler) wait(c *chain, d time.Duration) bool {
	s.mu.Lock()
	if c.state == StateCancelled {
		s.mu.Unlock()
		return false
	}
	timer := s.clock.NewTimer(d)
	c.timer = timer
	s.mu.Unlock()

	select {
	case <-timer.Chan():
		return true
	case <-c.done:
		stopAndDrainTimer(timer)
		return false
	}
}

func (s *Scheduler) transition(c *chain, from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (s *Scheduler) forget(c *chain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.chains[c.id]; ok && current == c {
		delete(s.chains, c.id)
	}
}

func (s *Scheduler) cancelLocked(c *chain) {
	if c.state == StateCancelled || c.state == StateFired {
		return
	}
	c.state = StateCancelled
	if c.timer != nil {
		stopAndDrainTimer(c.timer)
	}
	close(c.done)
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
