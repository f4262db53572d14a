// Package types holds the shared domain model: roles, permissions, room
// users, playback state, and the RoomState snapshot that the room actor
// (internal/room) broadcasts. It is the seam between internal/room,
// internal/playback, and internal/session so none of them needs to import
// another's package just to pass a user or a snapshot around.
package types

import (
	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/wire"
)

// UserRole is a room member's role tier.
type UserRole int

const (
	RoleHost UserRole = iota
	RoleGuest
	RoleSpectator
)

// ParseRole parses the wire string form produced by UserRole.String.
func ParseRole(s string) (UserRole, bool) {
	switch s {
	case "Host":
		return RoleHost, true
	case "Guest":
		return RoleGuest, true
	case "Spectator":
		return RoleSpectator, true
	default:
		return 0, false
	}
}

func (r UserRole) String() string {
	switch r {
	case RoleHost:
		return "Host"
	case RoleGuest:
		return "Guest"
	case RoleSpectator:
		return "Spectator"
	default:
		return "Unknown"
	}
}

// UserPermissions is the fixed permission set a UserRole maps to.
type UserPermissions struct {
	CanHost     bool
	CanSetRoles bool
	CanKick     bool
	CanClose    bool
}

// PermissionsFor returns the fixed permission set for a role. The mapping is
// total and has no error case: every UserRole value maps to a permission set.
func PermissionsFor(role UserRole) UserPermissions {
	switch role {
	case RoleHost:
		return UserPermissions{CanHost: true, CanSetRoles: true, CanKick: true, CanClose: true}
	case RoleGuest:
		return UserPermissions{CanHost: true}
	default:
		return UserPermissions{}
	}
}

// Event is anything the room actor (or the playback coordinator it hosts)
// can push into a session's inbox. Session is the only consumer; it type
// switches on concrete Event values and renders each as a wire message.
type Event interface {
	isEvent()
}

// Session is the room/playback-facing view of one session: a non-blocking,
// failure-checked delivery channel plus a liveness signal. It stands in for
// a weak reference: Done is closed the instant the owning session
// supervisor exits, and Send reports false the moment that happens, so the
// room never needs to distinguish "slow session" from "dead session"
// differently than the rest of its backpressure handling.
type Session struct {
	ID     ids.SessionId
	Name   string
	Events chan<- Event
	Done   <-chan struct{}
	// Offset reads the session's current clock offset (signed ms, how far
	// the peer's clock leads the server's), refreshed by the session
	// supervisor's periodic ping. Weak in the same sense as Events/Done:
	// it reads whatever the session currently holds without the room
	// needing to synchronize with it.
	Offset func() int64
}

// Send delivers ev without blocking. ok is false the instant the session is
// gone or when its inbox is full; callers treat that exactly like the
// session having issued a Leave.
func (s Session) Send(ev Event) (ok bool) {
	if s.Events == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case <-s.Done:
		return false
	default:
	}
	select {
	case s.Events <- ev:
		return true
	case <-s.Done:
		return false
	default:
		return false
	}
}

// RoomUser is a member of a room. Mutated only by the owning room actor.
type RoomUser struct {
	SessionId ids.SessionId
	Name      string
	Role      UserRole
	Session   Session
}

// PlaybackSource identifies what is being played. Immutable after Start.
type PlaybackSource struct {
	Title        string
	PageHref     string
	FrameHref    string
	ElementQuery string
}

// PlaybackState is one playback-position assertion. Timestamp is expressed
// in the reporter's local clock until internal/playback normalizes it to
// server time.
type PlaybackState struct {
	Timestamp uint64
	Playing   bool
	Time      float32
}

// PlaybackInfo is the public, read-only projection of an active Playback
// shown to room members.
type PlaybackInfo struct {
	HostName string
	Source   *PlaybackSource
}

// RoomUserData is the wire-facing projection of a RoomUser.
type RoomUserData struct {
	SessionId string
	Name      string
	Role      UserRole
}

// RoomState is the immutable snapshot the room actor broadcasts on every
// state change.
type RoomState struct {
	Id           ids.RoomId
	Name         string
	Password     string
	PlaybackInfo *PlaybackInfo
	Users        []RoomUserData
}

// ToWire renders the snapshot as the room::state payload.
func (s RoomState) ToWire() wire.StatePayload {
	users := make([]wire.RoomUserData, 0, len(s.Users))
	for _, u := range s.Users {
		users = append(users, wire.RoomUserData{
			SessionId: u.SessionId,
			Name:      u.Name,
			Role:      u.Role.String(),
		})
	}

	var info *wire.PlaybackInfoData
	if s.PlaybackInfo != nil {
		info = &wire.PlaybackInfoData{HostName: s.PlaybackInfo.HostName}
		if s.PlaybackInfo.Source != nil {
			info.Source = &wire.PlaybackSourceData{
				Title:        s.PlaybackInfo.Source.Title,
				PageHref:     s.PlaybackInfo.Source.PageHref,
				FrameHref:    s.PlaybackInfo.Source.FrameHref,
				ElementQuery: s.PlaybackInfo.Source.ElementQuery,
			}
		}
	}

	return wire.StatePayload{
		Id:           s.Id.String(),
		Name:         s.Name,
		Password:     s.Password,
		PlaybackInfo: info,
		Users:        users,
	}
}

// --- Room-originated events delivered to a session's inbox ---

type EventStateUpdated struct{ State RoomState }

func (EventStateUpdated) isEvent() {}

type EventRoomDisconnected struct{ Reason wire.RoomDisconnectReason }

func (EventRoomDisconnected) isEvent() {}

type EventPermissions struct {
	Role        UserRole
	Permissions UserPermissions
}

func (EventPermissions) isEvent() {}

// --- Playback events delivered to a session's inbox ---

type EventPlaybackHosting struct{}

func (EventPlaybackHosting) isEvent() {}

type EventPlaybackConnected struct{}

func (EventPlaybackConnected) isEvent() {}

type EventPlaybackAvailable struct{ Info PlaybackInfo }

func (EventPlaybackAvailable) isEvent() {}

type EventPlaybackStarted struct{}

func (EventPlaybackStarted) isEvent() {}

type EventPlaybackSync struct{ State PlaybackState }

func (EventPlaybackSync) isEvent() {}

type EventPlaybackStopped struct{ Reason wire.StopReason }

func (EventPlaybackStopped) isEvent() {}

type EventPlaybackDisconnected struct {
	Reason     wire.PlaybackDisconnectReason
	StopReason wire.StopReason
}

func (EventPlaybackDisconnected) isEvent() {}
