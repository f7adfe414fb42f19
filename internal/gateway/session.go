package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/beaconchat/beacon-server/internal/auth"
)

// ErrSessionNotFound is returned when a session id has no record in Valkey.
var ErrSessionNotFound = errors.New("session not found")

// Session is the shared record of a live connection, keyed by sid. Every
// worker can read it, so a disconnect handled on one worker can unwind rooms
// joined on another.
type Session struct {
	SID    string    `json:"sid"`
	Kind   auth.Kind `json:"kind"`
	ID     uuid.UUID `json:"id"`
	OrgID  uuid.UUID `json:"org,omitempty"`
	RoleID int16     `json:"role,omitempty"`
	Rooms  []string  `json:"rooms"`
}

// HasRoom reports whether the session has joined the topic.
func (s *Session) HasRoom(topic string) bool {
	for _, r := range s.Rooms {
		if r == topic {
			return true
		}
	}
	return false
}

// SessionStore persists session metadata in Valkey.
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore creates a session store backed by the given Valkey client.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

// Save writes the session record.
func (s *SessionStore) Save(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.SID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.SID, err)
	}
	return nil
}

// Get loads a session record. Returns ErrSessionNotFound when the sid is
// unknown.
func (s *SessionStore) Get(ctx context.Context, sid string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sid, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sid, err)
	}
	return &sess, nil
}

// AddRoom records that the session joined the topic. Adding a topic the
// session already holds is a no-op.
func (s *SessionStore) AddRoom(ctx context.Context, sid, topic string) error {
	sess, err := s.Get(ctx, sid)
	if err != nil {
		return err
	}
	if sess.HasRoom(topic) {
		return nil
	}
	sess.Rooms = append(sess.Rooms, topic)
	return s.Save(ctx, *sess)
}

// RemoveRoom records that the session left the topic.
func (s *SessionStore) RemoveRoom(ctx context.Context, sid, topic string) error {
	sess, err := s.Get(ctx, sid)
	if err != nil {
		return err
	}
	rooms := sess.Rooms[:0]
	for _, r := range sess.Rooms {
		if r != topic {
			rooms = append(rooms, r)
		}
	}
	sess.Rooms = rooms
	return s.Save(ctx, *sess)
}

// Delete removes the session record. Deleting an absent record is a no-op.
func (s *SessionStore) Delete(ctx context.Context, sid string) error {
	if err := s.rdb.Del(ctx, sessionKey(sid)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sid, err)
	}
	return nil
}

// NewSID generates a unique session identifier.
func NewSID() string {
	return uuid.NewString()
}

func sessionKey(sid string) string {
	return "user_" + sid
}
