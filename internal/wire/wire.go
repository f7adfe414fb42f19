// Package wire defines the realtime protocol shared between the gateway and its
// clients: the frame envelope, the event-name table, the error codes with their
// canonical messages, and the payload shapes of client-sent events.
//
// Every frame on the wire is a JSON object {"event": <name>, "data": <payload>}.
// Client frames may additionally carry an "id"; the gateway answers those with an
// "ack" event whose data echoes the id alongside the structured result.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every message crossing the WebSocket in either
// direction.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *int64          `json:"id,omitempty"`
}

// Ack is the structured result returned for a client frame that carried an id.
// Handlers never close the connection on a failed operation; they report the
// failure here and keep the session alive.
type Ack struct {
	ID    int64  `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// NewEventFrame returns a serialised frame carrying the given event and payload.
func NewEventFrame(event Event, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = payload
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// NewAckFrame returns a serialised ack frame answering the client frame with the
// given id. A nil err produces a success ack; a *Error carries its canonical
// message, any other error is reported as-is.
func NewAckFrame(id int64, err error, data any) ([]byte, error) {
	ack := Ack{ID: id, OK: err == nil, Data: data}
	if err != nil {
		ack.Error = err.Error()
	}
	return NewEventFrame(EventAck, ack)
}
