// Package session implements the session supervisor: a
// per-authenticated-connection goroutine that bridges a connection.Connection
// to at most one room.Handle at a time, dispatching client messages to room
// operations and relaying room-originated events back as wire messages.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/syncroom/server/internal/connection"
	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/metrics"
	"github.com/syncroom/server/internal/ratelimit"
	"github.com/syncroom/server/internal/registry"
	"github.com/syncroom/server/internal/room"
	"github.com/syncroom/server/internal/types"
	"github.com/syncroom/server/internal/wire"
	"go.uber.org/zap"
)

// eventInboxCapacity bounds how far a room can run ahead of a slow session.
const eventInboxCapacity = 32

// pingInterval is how often the supervisor refreshes its clock offset.
const pingInterval = 5 * time.Second

// Session is the per-connection supervisor.
type Session struct {
	id   ids.SessionId
	name string

	conn *connection.Connection
	reg  *registry.Registry

	canHost bool // API-level access.Permissions.Host, gates room::create

	limiter *ratelimit.Limiter // may be nil (rate limiting disabled)
	apiKey  string             // raw key presented at login, for the create/key bucket

	events chan types.Event
	done   chan struct{}
	offset atomic.Int64

	room   room.Handle
	roomID ids.RoomId
	inRoom bool
	role   types.UserRole
}

// New constructs a session for an already-authenticated connection. username
// and canHost come from the login result the listener obtained via
// connection.AwaitLogin.
func New(conn *connection.Connection, reg *registry.Registry, username string, canHost bool) *Session {
	return &Session{
		id:      ids.NewSessionId(),
		name:    username,
		conn:    conn,
		reg:     reg,
		canHost: canHost,
		events:  make(chan types.Event, eventInboxCapacity),
		done:    make(chan struct{}),
		role:    types.RoleSpectator,
	}
}

// WithRateLimit attaches the rate limiter guarding room creation, keyed by
// the API key presented at login. A nil limiter disables the check.
func (s *Session) WithRateLimit(limiter *ratelimit.Limiter, apiKey string) *Session {
	s.limiter = limiter
	s.apiKey = apiKey
	return s
}

// ID returns the session's id.
func (s *Session) ID() ids.SessionId { return s.id }

// Handle returns the room-facing view of this session: a non-blocking send
// into its inbox plus the liveness signal that stands in for a weak
// reference. A full inbox makes the send fail just as a closed one does.
func (s *Session) Handle() types.Session {
	return types.Session{
		ID:     s.id,
		Name:   s.name,
		Events: s.events,
		Done:   s.done,
		Offset: func() int64 { return s.offset.Load() },
	}
}

type clientMessage struct {
	kind   string
	body   []byte
	format wire.Format
}

// Run executes the session's select loop until ctx is cancelled or the
// connection errors out, then performs a best-effort LeaveRoom. This is the
// only path that can decrement a room's membership from outside its own
// actor.
//
// The transport has exactly one reader: the pump goroutine below owns every
// call into conn, including the periodic offset-refreshing Ping, since
// Connection's blocking reads are not safe to issue from two goroutines at
// once. This loop never touches conn directly except to Send.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.leaveRoom(context.Background())

	msgCh := make(chan clientMessage)
	offsetCh := make(chan int64)
	errCh := make(chan error, 1)
	go s.pump(ctx, msgCh, offsetCh, errCh)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				logging.Debug(ctx, "session connection closed", zap.String("session_id", s.id.String()), zap.Error(err))
			}
			return
		case msg := <-msgCh:
			s.dispatch(ctx, msg)
		case ev := <-s.events:
			s.relay(ev)
		case offset := <-offsetCh:
			s.offset.Store(offset)
		}
	}
}

// pump is the connection's sole reader. It alternates between waiting for
// the next client message and, once pingInterval has elapsed, issuing a Ping
// to refresh the clock offset. Both read the transport, so they must never
// run concurrently with each other or with anything else.
func (s *Session) pump(ctx context.Context, msgCh chan<- clientMessage, offsetCh chan<- int64, errCh chan<- error) {
	nextPing := time.Now().Add(pingInterval)
	for {
		waitCtx, cancel := context.WithDeadline(ctx, nextPing)
		kind, body, format, err := s.conn.Recv(waitCtx)
		timedOut := waitCtx.Err() != nil
		cancel()

		if err != nil {
			if timedOut && ctx.Err() == nil {
				result, pingErr := s.conn.Ping(ctx)
				nextPing = time.Now().Add(pingInterval)
				if pingErr != nil {
					logging.Warn(ctx, "ping failed, clock offset stale", zap.String("session_id", s.id.String()), zap.Error(pingErr))
					continue
				}
				metrics.RecordPingLatency(result.Latency)
				select {
				case offsetCh <- result.TimeOffset:
				case <-ctx.Done():
					return
				}
				continue
			}
			errCh <- err
			return
		}

		select {
		case msgCh <- clientMessage{kind: kind, body: body, format: format}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch matches a client message to its operation. Unknown kinds are
// silently ignored; handler errors are logged and reported to the peer as a
// client-error but never terminate the session.
func (s *Session) dispatch(ctx context.Context, msg clientMessage) {
	var err error
	switch msg.kind {
	case wire.KindCreate:
		err = s.handleCreate(ctx, msg)
	case wire.KindClose:
		err = s.handleClose(ctx)
	case wire.KindJoin:
		err = s.handleJoin(ctx, msg)
	case wire.KindLeave:
		err = s.handleLeave(ctx)
	case wire.KindRequestState:
		err = s.handleRequestState(ctx)
	case wire.KindRequestPermissions:
		err = s.handleRequestPermissions(ctx)
	case wire.KindSetUserRole:
		err = s.handleSetUserRole(ctx, msg)
	case wire.KindKickUser:
		err = s.handleKickUser(ctx, msg)
	case wire.KindRequestHost:
		err = s.handlePlaybackHost(ctx)
	case wire.KindRequestConnect:
		err = s.handlePlaybackConnect(ctx)
	case wire.KindRequestStart:
		err = s.handlePlaybackStart(ctx, msg)
	case wire.KindRequestStop:
		err = s.handlePlaybackStop(ctx)
	case wire.KindRequestDisconnect:
		err = s.handlePlaybackDisconnect(ctx)
	case wire.KindSync:
		err = s.handlePlaybackSync(ctx, msg)
	default:
		return
	}
	if err != nil {
		logging.Warn(ctx, "client request failed", zap.String("session_id", s.id.String()), zap.String("kind", msg.kind), zap.Error(err))
		metrics.DispatchedMessages.WithLabelValues(msg.kind, "error").Inc()
		s.sendClientError(errorMessage(err))
		return
	}
	metrics.DispatchedMessages.WithLabelValues(msg.kind, "ok").Inc()
}

func (s *Session) decode(msg clientMessage, target any) error {
	if err := wire.DecodeBody(msg.format, msg.body, target); err != nil {
		return err
	}
	return nil
}

func (s *Session) sendClientError(message string) {
	if err := s.conn.Send(wire.KindClientErr, wire.ClientErrorPayload{Message: message}); err != nil {
		logging.Warn(context.Background(), "failed to deliver client-error", zap.Error(err))
	}
}

// --- Room membership handlers ---

func (s *Session) handleCreate(ctx context.Context, msg clientMessage) error {
	var payload wire.CreatePayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	if !s.canHost {
		return errNotPermittedToHost
	}
	if s.limiter != nil {
		if d := s.limiter.CheckCreateKey(ctx, s.apiKey); !d.Allowed {
			return errRateLimited
		}
	}

	s.leaveRoom(ctx)

	handle, _, err := s.reg.CreateRoom(ctx, payload.Name, payload.Password, s.Handle())
	if err != nil {
		return err
	}
	s.room = handle
	s.roomID = handle.ID()
	s.inRoom = true
	s.role = types.RoleHost

	return s.conn.Send(wire.KindCreateAck, wire.CreateAckPayload{RoomId: handle.ID().String()})
}

func (s *Session) handleJoin(ctx context.Context, msg clientMessage) error {
	var payload wire.JoinPayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	roomID, err := ids.ParseRoomId(payload.Id)
	if err != nil {
		return errInvalidRoomId
	}

	s.leaveRoom(ctx)

	handle, _, err := s.reg.JoinRoom(ctx, roomID, payload.Password, s.Handle())
	if err != nil {
		if errors.Is(err, registry.ErrIncorrectPassword) {
			return errIncorrectPassword
		}
		return err
	}
	s.room = handle
	s.roomID = roomID
	s.inRoom = true
	s.role = types.RoleGuest

	return s.conn.Send(wire.KindJoinAck, wire.JoinAckPayload{RoomId: roomID.String()})
}

func (s *Session) handleLeave(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	s.leaveRoom(ctx)
	return s.conn.Send(wire.KindLeaveAck, wire.LeaveAckPayload{})
}

func (s *Session) handleClose(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	if err := s.reg.CloseRoom(ctx, s.roomID, s.id, wire.RoomDisconnectedClosedByHost); err != nil {
		return err
	}
	s.inRoom = false
	return s.conn.Send(wire.KindCloseAck, wire.CloseAckPayload{})
}

func (s *Session) handleRequestState(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	state, err := s.room.RequestState(ctx, s.id)
	if err != nil {
		return err
	}
	return s.conn.Send(wire.KindState, state.ToWire())
}

func (s *Session) handleRequestPermissions(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	role, perms, err := s.room.RequestPermissions(ctx, s.id)
	if err != nil {
		return err
	}
	s.role = role
	return s.conn.Send(wire.KindPermissions, wire.PermissionsPayload{
		Role: role.String(),
		Permissions: wire.UserPermissions{
			CanHost:     perms.CanHost,
			CanSetRoles: perms.CanSetRoles,
			CanKick:     perms.CanKick,
			CanClose:    perms.CanClose,
		},
	})
}

func (s *Session) handleSetUserRole(ctx context.Context, msg clientMessage) error {
	if !s.inRoom {
		return errNotInRoom
	}
	var payload wire.SetUserRolePayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	target, err := ids.ParseSessionId(payload.UserId)
	if err != nil {
		return errInvalidSessionId
	}
	role, ok := types.ParseRole(payload.Role)
	if !ok {
		return errInvalidRole
	}
	return s.room.SetRole(ctx, s.id, target, role)
}

func (s *Session) handleKickUser(ctx context.Context, msg clientMessage) error {
	if !s.inRoom {
		return errNotInRoom
	}
	var payload wire.KickUserPayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	target, err := ids.ParseSessionId(payload.UserId)
	if err != nil {
		return errInvalidSessionId
	}
	return s.room.Kick(ctx, s.id, target)
}

// --- Playback handlers ---

func (s *Session) handlePlaybackHost(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	return s.room.PlaybackHost(ctx, s.id)
}

func (s *Session) handlePlaybackStart(ctx context.Context, msg clientMessage) error {
	if !s.inRoom {
		return errNotInRoom
	}
	var payload wire.RequestStartPayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	source := types.PlaybackSource{
		Title:        payload.Source.Title,
		PageHref:     payload.Source.PageHref,
		FrameHref:    payload.Source.FrameHref,
		ElementQuery: payload.Source.ElementQuery,
	}
	return s.room.PlaybackStart(ctx, s.id, source)
}

func (s *Session) handlePlaybackStop(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	return s.room.PlaybackStop(ctx, s.id, wire.StopStoppedByHost)
}

func (s *Session) handlePlaybackConnect(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	return s.room.PlaybackConnect(ctx, s.id)
}

func (s *Session) handlePlaybackDisconnect(ctx context.Context) error {
	if !s.inRoom {
		return errNotInRoom
	}
	return s.room.PlaybackDisconnect(ctx, s.id)
}

func (s *Session) handlePlaybackSync(ctx context.Context, msg clientMessage) error {
	if !s.inRoom {
		return errNotInRoom
	}
	var payload wire.SyncPayload
	if err := s.decode(msg, &payload); err != nil {
		return err
	}
	state := types.PlaybackState{
		Timestamp: payload.State.Timestamp,
		Playing:   payload.State.Playing,
		Time:      payload.State.Time,
	}
	return s.room.PlaybackSync(ctx, s.id, state)
}

// leaveRoom is a best-effort Leave; failures are logged, never surfaced,
// since the room may already be gone (which is exactly what Leave is for).
func (s *Session) leaveRoom(ctx context.Context) {
	if !s.inRoom {
		return
	}
	if err := s.room.Leave(ctx, s.id); err != nil && !errors.Is(err, room.ErrClosed) {
		logging.Warn(ctx, "leave room failed", zap.String("session_id", s.id.String()), zap.Error(err))
	}
	s.inRoom = false
	s.role = types.RoleSpectator
}

// relay forwards a room-originated event to the peer as a concrete wire
// message. The session never re-enters the room from here.
func (s *Session) relay(ev types.Event) {
	switch e := ev.(type) {
	case types.EventStateUpdated:
		s.observeOwnRole(e.State)
		s.sendOrLog(wire.KindState, e.State.ToWire())
	case types.EventRoomDisconnected:
		s.inRoom = false
		s.sendOrLog(wire.KindRoomDisconnected, wire.RoomDisconnectedPayload{Reason: e.Reason})
	case types.EventPermissions:
		s.role = e.Role
		s.sendOrLog(wire.KindPermissions, wire.PermissionsPayload{
			Role: e.Role.String(),
			Permissions: wire.UserPermissions{
				CanHost:     e.Permissions.CanHost,
				CanSetRoles: e.Permissions.CanSetRoles,
				CanKick:     e.Permissions.CanKick,
				CanClose:    e.Permissions.CanClose,
			},
		})
	case types.EventPlaybackHosting:
		s.sendOrLog(wire.KindHosting, wire.HostingPayload{})
	case types.EventPlaybackConnected:
		s.sendOrLog(wire.KindConnected, wire.ConnectedPayload{})
	case types.EventPlaybackAvailable:
		s.sendOrLog(wire.KindAvailable, wire.AvailablePayload{Info: playbackInfoToWire(e.Info)})
	case types.EventPlaybackStarted:
		s.sendOrLog(wire.KindStarted, wire.StartedPayload{})
	case types.EventPlaybackSync:
		s.sendOrLog(wire.KindSync, wire.SyncPayload{State: wire.PlaybackStateData{
			Timestamp: e.State.Timestamp, Playing: e.State.Playing, Time: e.State.Time,
		}})
	case types.EventPlaybackStopped:
		s.sendOrLog(wire.KindStopped, wire.StoppedPayload{Reason: e.Reason})
	case types.EventPlaybackDisconnected:
		s.sendOrLog(wire.KindPlaybackDisconnected, wire.PlaybackDisconnectedPayload{Reason: e.Reason, StopReason: e.StopReason})
	}
}

func (s *Session) observeOwnRole(state types.RoomState) {
	for _, u := range state.Users {
		if u.SessionId == s.id.String() {
			s.role = u.Role
			return
		}
	}
}

func (s *Session) sendOrLog(kind string, payload any) {
	if err := s.conn.Send(kind, payload); err != nil {
		logging.Warn(context.Background(), "failed to deliver room event", zap.String("session_id", s.id.String()), zap.String("kind", kind), zap.Error(err))
	}
}

func playbackInfoToWire(info types.PlaybackInfo) wire.PlaybackInfoData {
	data := wire.PlaybackInfoData{HostName: info.HostName}
	if info.Source != nil {
		data.Source = &wire.PlaybackSourceData{
			Title:        info.Source.Title,
			PageHref:     info.Source.PageHref,
			FrameHref:    info.Source.FrameHref,
			ElementQuery: info.Source.ElementQuery,
		}
	}
	return data
}

var (
	errNotPermittedToHost = errors.New("session: not permitted to host")
	errNotInRoom          = errors.New("session: not currently in a room")
	errInvalidRoomId      = errors.New("session: invalid room id")
	errInvalidSessionId   = errors.New("session: invalid session id")
	errInvalidRole        = errors.New("session: invalid role")
	errIncorrectPassword  = errors.New("Incorrect password")
	errRateLimited        = errors.New("session: room creation rate limit exceeded")
)

// errorMessage renders err for delivery to the peer as a client-error.
// Internal sentinel errors already carry a client-safe message; anything
// else (room/registry internals) degrades to a generic message so internal
// detail never leaks onto the wire.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, errNotPermittedToHost),
		errors.Is(err, errNotInRoom),
		errors.Is(err, errInvalidRoomId),
		errors.Is(err, errInvalidSessionId),
		errors.Is(err, errInvalidRole),
		errors.Is(err, errIncorrectPassword),
		errors.Is(err, registry.ErrRoomNotFound),
		errors.Is(err, room.ErrForbidden),
		errors.Is(err, room.ErrNotMember),
		errors.Is(err, room.ErrDuplicateSession):
		return err.Error()
	default:
		return "request failed"
	}
}
