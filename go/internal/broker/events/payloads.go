package events

import "encoding/json"

// Event payload types shared between the gateway and its clients

// ErrorPayload is the body of errorMessage and botErrorMessage
type ErrorPayload struct {
	ErrorMessage string `json:"errorMessage"`
}

// AuthPayload lets a device confirm it reached the genuine broker
type AuthPayload struct {
	Token string `json:"token"`
}

// LatencyPayload carries the round trip start time through pingBot,
// latencyTestRequest and latencyTestResult. StartTime is opaque to the broker.
type LatencyPayload struct {
	StartTime json.RawMessage `json:"startTime"`
}

// fallbackErrorData is sent if an error payload cannot be encoded
var fallbackErrorData = json.RawMessage(`{"errorMessage":"Internal error"}`)

// Error builds an errorMessage envelope
func Error(message string) Envelope {
	data, err := json.Marshal(ErrorPayload{ErrorMessage: message})
	if err != nil {
		data = fallbackErrorData
	}
	return Envelope{Event: ErrorMessage, Data: data}
}
