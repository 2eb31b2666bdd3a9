package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Name is the event name carried by every envelope
type Name string

// Inbound events (connection -> broker)
const (
	PingServer        Name = "pingServer"
	PingBot           Name = "pingBot"
	ControlMessage    Name = "controlMessage"
	SensorData        Name = "sensorData"
	ErrorMessage      Name = "errorMessage"
	BotErrorMessage   Name = "botErrorMessage"
	ClearBot          Name = "clearBot"
	LatencyTestResult Name = "latencyTestResult"
)

// Outbound-only events (broker -> connection)
const (
	Ack                Name = "ack"
	Auth               Name = "auth"
	Clear              Name = "clear"
	LatencyTestRequest Name = "latencyTestRequest"
)

// relayed lists the events forwarded verbatim to the other room occupant
var relayed = map[Name]bool{
	ControlMessage:    true,
	SensorData:        true,
	ErrorMessage:      true,
	BotErrorMessage:   true,
	ClearBot:          true,
	LatencyTestResult: true,
}

// Relayed reports whether events of this name are piped to the peer unchanged.
func (n Name) Relayed() bool {
	return relayed[n]
}

// ErrMalformedEnvelope is returned for frames that are not a valid envelope
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the JSON frame exchanged over the websocket.
// Data is kept raw so relayed payloads are forwarded byte for byte.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

// Decode parses a frame into an envelope
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(string(env.Event)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode serialises an envelope into a frame
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Event, err)
	}
	return data, nil
}

// New builds an envelope whose data is the JSON encoding of payload.
// A nil payload produces an envelope without data.
func New(name Name, payload interface{}) (Envelope, error) {
	env := Envelope{Event: name}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	env.Data = data
	return env, nil
}

// AckFor builds the acknowledgement for an inbound envelope
func AckFor(env Envelope) Envelope {
	return Envelope{Event: Ack, Ack: env.Ack}
}

// Forward re-wraps a relayed payload under the same event name
func Forward(env Envelope) Envelope {
	return Envelope{Event: env.Event, Data: env.Data}
}
