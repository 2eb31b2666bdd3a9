package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/mcdev12/botlink/go/internal/broker/expiry"
	"github.com/mcdev12/botlink/go/internal/broker/rooms"
	"github.com/rs/zerolog/log"
)

// Service is the session broker: websocket handling, rooms, expiry and lifecycle publishing
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	broker            *Broker
	scheduler         *expiry.Scheduler
	publisher         Publisher
	rateLimiter       *RateLimiter
	health            *BrokerHealthChecker
	config            Config
	clock             clockwork.Clock
}

// Config holds configuration for the broker service
type Config struct {
	ConnectionConfig ConnectionConfig

	ControllerTokenSecret string
	DeviceTokenSecret     string
	VerificationToken     string
	AllowedOrigins        []string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	ExpiryGrace  time.Duration
	TimerCeiling time.Duration

	NATS NATSConfig
}

// DefaultConfig returns default configuration; secrets are left empty.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig:  DefaultConnectionConfig(),
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: 100,
		RateLimitWindow:   15 * time.Minute,
		ExpiryGrace:       expiry.DefaultGrace,
		TimerCeiling:      expiry.DefaultCeiling,
		NATS:              DefaultNATSConfig(),
	}
}

// ServiceOption customises a Service
type ServiceOption func(*Service)

// WithClock runs token validation, expiry and rate limiting on the given clock.
func WithClock(clock clockwork.Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPublisher replaces the lifecycle publisher otherwise derived from Config.NATS.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// NewService creates a new broker service
func NewService(config Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{config: config, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}

	verifier, err := auth.NewVerifier(config.ControllerTokenSecret, config.DeviceTokenSecret, auth.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	if s.publisher == nil {
		if config.NATS.URL != "" {
			natsPublisher, err := NewNATSPublisher(config.NATS)
			if err != nil {
				return nil, fmt.Errorf("failed to create lifecycle publisher: %w", err)
			}
			s.publisher = natsPublisher
		} else {
			s.publisher = NewLogPublisher()
		}
	}

	s.scheduler = expiry.NewScheduler(
		expiry.WithClock(s.clock),
		expiry.WithGrace(config.ExpiryGrace),
		expiry.WithCeiling(config.TimerCeiling),
	)
	s.broker = NewBroker(rooms.NewRegistry[*Session](), s.scheduler, s.publisher, config.VerificationToken)

	connConfig := config.ConnectionConfig
	connConfig.CheckOrigin = OriginChecker(config.AllowedOrigins)
	s.connectionManager = NewConnectionManager(connConfig)
	s.wsHandler = NewWebSocketHandler(s.connectionManager, verifier, s.broker)
	s.rateLimiter = NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow, s.clock)
	s.health = NewBrokerHealthChecker(s.wsHandler, s.publisher)

	return s, nil
}

// Start runs housekeeping until ctx is cancelled, then stops the service.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting session broker")

	ticker := s.clock.NewTicker(s.rateLimiter.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session broker shutting down")
			return s.Stop()
		case <-ticker.Chan():
			if n := s.rateLimiter.Prune(); n > 0 {
				log.Debug().Int("pruned", n).Msg("pruned idle rate limit entries")
			}
		}
	}
}

// Stop cancels pending rejections, closes every connection, cancels pending
// expiries and flushes the publisher.
func (s *Service) Stop() error {
	s.broker.Close()
	s.connectionManager.CloseAll()
	s.scheduler.Stop()
	if err := s.publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close lifecycle publisher")
		return err
	}
	log.Info().Msg("session broker stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, health and metrics routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.Handle("/health", s.health)
	mux.Handle("/metrics", NewPrometheusExporter(s.health))
	log.Info().Msg("session broker routes registered")
}

// Wrap applies CORS, security headers and rate limiting to a handler.
func (s *Service) Wrap(next http.Handler) http.Handler {
	return Chain(
		SecurityHeadersMiddleware,
		CORSMiddleware(s.config.AllowedOrigins),
		s.rateLimiter.Middleware,
	)(next)
}

// Broker exposes the session broker
func (s *Service) Broker() *Broker {
	return s.broker
}

// GetStats returns statistics about the broker service
func (s *Service) GetStats() ConnectionStats {
	return s.wsHandler.Stats()
}
