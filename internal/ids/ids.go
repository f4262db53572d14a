// Package ids defines the opaque 128-bit identifiers used throughout syncroom.
//
// SessionId and RoomId are unique by generation only: equality, hashing, and
// human-readable rendering are the only supported operations. Collision
// probability is negligible and, per spec, not defended against.
package ids

import "github.com/google/uuid"

// SessionId identifies a single authenticated connection for its lifetime.
type SessionId uuid.UUID

// RoomId identifies a room for its lifetime.
type RoomId uuid.UUID

// NewSessionId mints a fresh, process-unique session identifier.
func NewSessionId() SessionId {
	return SessionId(uuid.New())
}

// NewRoomId mints a fresh, process-unique room identifier.
func NewRoomId() RoomId {
	return RoomId(uuid.New())
}

func (s SessionId) String() string {
	return uuid.UUID(s).String()
}

func (r RoomId) String() string {
	return uuid.UUID(r).String()
}

// ParseRoomId parses the human string form produced by RoomId.String.
func ParseRoomId(s string) (RoomId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RoomId{}, err
	}
	return RoomId(u), nil
}

// ParseSessionId parses the human string form produced by SessionId.String.
func ParseSessionId(s string) (SessionId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionId{}, err
	}
	return SessionId(u), nil
}

// IsZero reports whether the id was never assigned.
func (r RoomId) IsZero() bool {
	return r == RoomId{}
}
