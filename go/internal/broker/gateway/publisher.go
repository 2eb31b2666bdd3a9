package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/botlink/go/internal/broker/auth"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// LifecycleType names a session lifecycle event
type LifecycleType string

const (
	LifecycleJoined   LifecycleType = "joined"
	LifecycleRejected LifecycleType = "rejected"
	LifecycleExpired  LifecycleType = "expired"
	LifecycleLeft     LifecycleType = "left"
)

// LifecycleEvent is emitted whenever a session joins, is refused, expires or leaves
type LifecycleEvent struct {
	EventID      uuid.UUID     `json:"eventId"`
	EventType    LifecycleType `json:"eventType"`
	RoomID       string        `json:"roomId"`
	ConnectionID string        `json:"connectionId"`
	Role         auth.Role     `json:"role"`
	RemoteAddr   string        `json:"remoteAddr,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Publisher delivers lifecycle events to whoever watches the broker
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
	Close() error
}

// LogPublisher writes lifecycle events to the log; used when no bus is configured
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	log.Debug().
		Str("event_id", event.EventID.String()).
		Str("event_type", string(event.EventType)).
		Str("room_id", event.RoomID).
		Str("connection_id", event.ConnectionID).
		Msg("session lifecycle event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NATSConfig holds connection settings for the lifecycle bus
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the defaults used when only a URL is configured
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "",
		SubjectPrefix: "botlink.sessions",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes lifecycle events on core NATS. Nothing is persisted:
// watchers that are not subscribed when an event fires never see it.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to NATS
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("botlink-broker"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("subject_prefix", prefix).Msg("lifecycle events published to NATS")
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(eventType LifecycleType) string {
	return p.prefix + "." + string(eventType)
}

func (p *NATSPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event.EventType), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType, err)
	}
	return nil
}

// Connected reports whether the bus connection is currently up
func (p *NATSPublisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close flushes pending publishes and closes the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
