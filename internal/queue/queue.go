// Package queue classifies live chats into the waiting-line indexes: the
// online-unclaimed line (in Valkey, with the full conversation-so-far bundle),
// and the durable offline-unclaimed, unhandled, and flagged lines (in
// PostgreSQL). A visitor sits in at most one of online-unclaimed and
// offline-unclaimed at a time; the handlers move them between lines as
// connections come and go.
package queue

import (
	"encoding/json"

	"github.com/beaconchat/beacon-server/internal/visitor"
)

// Bundle is an online-unclaimed entry: everything a staff client needs to
// render a waiting chat without another round trip. Room and Contents are kept
// opaque; the gateway owns their shape.
type Bundle struct {
	Visitor  visitor.Visitor   `json:"user"`
	Room     json.RawMessage   `json:"room"`
	Contents []json.RawMessage `json:"contents"`
}
