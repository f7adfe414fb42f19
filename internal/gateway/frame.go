package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/beaconchat/beacon-server/internal/wire"
)

// Frame is one JSON message on the realtime protocol, in either direction.
// Client frames may carry an id; the server answers those with an ack frame.
type Frame struct {
	Event wire.Event      `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *int64          `json:"id,omitempty"`
}

// AckData answers a client frame that carried an id. Error holds the
// client-facing message when OK is false; Data carries the handler's result
// when it has one.
type AckData struct {
	ID    int64  `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// NewServerFrame serialises a server-to-client frame.
func NewServerFrame(event wire.Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// NewAckFrame serialises the ack for a handled client frame. A nil err yields
// a success ack carrying data; a non-nil err yields a failure ack carrying the
// error message.
func NewAckFrame(id int64, data any, err error) ([]byte, error) {
	ack := AckData{ID: id, OK: err == nil, Data: data}
	if err != nil {
		ack.Error = err.Error()
		ack.Data = nil
	}
	return NewServerFrame(wire.EventAck, ack)
}
