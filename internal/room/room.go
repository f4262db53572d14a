// Package room implements the room actor: a single goroutine per room
// owning membership, role policy, host succession, and a hosted
// playback.Coordinator, selecting over a low-traffic command channel and a
// higher-traffic request channel so that no caller ever mutates room state
// directly. Callers submit a closure onto the room's own goroutine and wait
// for the result; the "lock" is being the only goroutine allowed to touch
// the maps.
package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/metrics"
	"github.com/syncroom/server/internal/playback"
	"github.com/syncroom/server/internal/types"
	"github.com/syncroom/server/internal/wire"
	"go.uber.org/zap"
)

const (
	commandCapacity = 8
	requestCapacity = 32
)

var (
	ErrDuplicateSession = errors.New("room: session already joined")
	ErrNotMember        = errors.New("room: session is not a member of this room")
	ErrForbidden        = errors.New("room: operation not permitted for this role")
	ErrClosed           = errors.New("room: room is closed")
)

// task is a unit of work submitted to the room's own goroutine. Every
// public Handle method builds one of these, capturing its own reply
// channel, and waits for the goroutine to run it.
type task func()

// Room is the single-writer room actor.
type Room struct {
	id       ids.RoomId
	name     string
	password string

	users    map[ids.SessionId]*types.RoomUser
	playback *playback.Coordinator

	cmdCh chan task
	reqCh chan task
	done  chan struct{}

	running bool
}

// New constructs a room in the stopped state; call Run to start its
// goroutine. Callers normally use registry.CreateRoom instead of this
// directly.
func New(id ids.RoomId, name, password string) *Room {
	return &Room{
		id:       id,
		name:     name,
		password: password,
		users:    make(map[ids.SessionId]*types.RoomUser),
		playback: playback.New(),
		cmdCh:    make(chan task, commandCapacity),
		reqCh:    make(chan task, requestCapacity),
		done:     make(chan struct{}),
		running:  true,
	}
}

// Handle is the external, concurrency-safe view of a Room used by the
// registry and by sessions. Its zero value is not usable; obtain one from
// New/Run.
type Handle struct {
	room *Room
}

// Run starts the room's select loop in the current goroutine; callers spawn
// it with `go room.Run()`. It returns once the room is closed.
func (r *Room) Run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(context.Background(), "room actor panicked, closing",
				zap.String("room_id", r.id.String()), zap.Any("panic", rec))
			r.doClose(wire.RoomDisconnectedServerError)
		}
	}()

	for r.running {
		select {
		case t := <-r.cmdCh:
			t()
		case t := <-r.reqCh:
			t()
		}
	}
}

// Handle returns the external handle for this room.
func (r *Room) Handle() Handle { return Handle{room: r} }

// ID returns the room id.
func (h Handle) ID() ids.RoomId { return h.room.id }

// Done reports when the room's goroutine has exited. Sessions check it
// before (or instead of) blocking on a send to a closed room.
func (h Handle) Done() <-chan struct{} { return h.room.done }

type reply struct {
	value any
	err   error
}

// submit enqueues fn on ch and waits for its result, honoring both ctx and
// the room having already closed. urgent selects the low-traffic command
// channel; otherwise the higher-traffic request channel is used.
func (h Handle) submit(ctx context.Context, urgent bool, fn func() (any, error)) (any, error) {
	r := h.room
	replies := make(chan reply, 1)
	t := task(func() {
		v, err := fn()
		replies <- reply{v, err}
	})

	ch := r.reqCh
	if urgent {
		ch = r.cmdCh
	}

	select {
	case ch <- t:
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-replies:
		return rep.value, rep.err
	case <-r.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Membership operations ---

// Join adds session under role, rejecting a duplicate session id. Creators
// join as RoleHost; ordinary joiners default to RoleGuest.
func (h Handle) Join(ctx context.Context, session types.Session, role types.UserRole) (types.RoomState, error) {
	v, err := h.submit(ctx, true, func() (any, error) {
		return h.room.doJoin(session, role)
	})
	if err != nil {
		return types.RoomState{}, err
	}
	return v.(types.RoomState), nil
}

func (r *Room) doJoin(session types.Session, role types.UserRole) (types.RoomState, error) {
	if _, exists := r.users[session.ID]; exists {
		return types.RoomState{}, ErrDuplicateSession
	}
	r.users[session.ID] = &types.RoomUser{SessionId: session.ID, Name: session.Name, Role: role, Session: session}
	metrics.RoomMembers.WithLabelValues(r.id.String()).Set(float64(len(r.users)))
	r.broadcastState()
	return r.snapshot(), nil
}

// Leave removes a session from the room. If the room empties it is closed
// with reason ClosedByHost; if it survives but loses its last Host, host
// succession runs.
func (h Handle) Leave(ctx context.Context, id ids.SessionId) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		h.room.doLeave(id)
		return nil, nil
	})
	return err
}

func (r *Room) doLeave(id ids.SessionId) {
	if _, ok := r.users[id]; !ok {
		return
	}
	delete(r.users, id)
	metrics.RoomMembers.WithLabelValues(r.id.String()).Set(float64(len(r.users)))

	if len(r.users) == 0 {
		r.doClose(wire.RoomDisconnectedClosedByHost)
		return
	}
	if !r.hasHostRole() {
		if !r.promoteSuccessor() {
			r.doClose(wire.RoomDisconnectedServerError)
			return
		}
	}
	r.broadcastState()
}

func (r *Room) hasHostRole() bool {
	for _, u := range r.users {
		if u.Role == types.RoleHost {
			return true
		}
	}
	return false
}

// promoteSuccessor runs host succession: prefer any Guest, else any
// Spectator. Returns false only if the room is empty (never reached here
// since doLeave already checked len(r.users) > 0).
func (r *Room) promoteSuccessor() bool {
	for _, u := range r.users {
		if u.Role == types.RoleGuest {
			u.Role = types.RoleHost
			return true
		}
	}
	for _, u := range r.users {
		if u.Role == types.RoleSpectator {
			u.Role = types.RoleHost
			return true
		}
	}
	return false
}

// SetRole changes the target user's role, permission-gated on CanSetRoles.
func (h Handle) SetRole(ctx context.Context, requester, target ids.SessionId, role types.UserRole) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		return nil, h.room.doSetRole(requester, target, role)
	})
	return err
}

func (r *Room) doSetRole(requester, target ids.SessionId, role types.UserRole) error {
	req, ok := r.users[requester]
	if !ok {
		return ErrNotMember
	}
	if !types.PermissionsFor(req.Role).CanSetRoles {
		return ErrForbidden
	}
	tgt, ok := r.users[target]
	if !ok {
		return ErrNotMember
	}
	tgt.Role = role
	r.broadcastState()
	return nil
}

// Kick is a forced Leave of another session, permission-gated on CanKick.
func (h Handle) Kick(ctx context.Context, requester, target ids.SessionId) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		return nil, h.room.doKick(requester, target)
	})
	return err
}

func (r *Room) doKick(requester, target ids.SessionId) error {
	req, ok := r.users[requester]
	if !ok {
		return ErrNotMember
	}
	if !types.PermissionsFor(req.Role).CanKick {
		return ErrForbidden
	}
	if _, ok := r.users[target]; !ok {
		return ErrNotMember
	}
	r.doLeave(target)
	return nil
}

// RequestState returns the current RoomState snapshot.
func (h Handle) RequestState(ctx context.Context, requester ids.SessionId) (types.RoomState, error) {
	v, err := h.submit(ctx, false, func() (any, error) {
		if _, ok := h.room.users[requester]; !ok {
			return types.RoomState{}, ErrNotMember
		}
		return h.room.snapshot(), nil
	})
	if err != nil {
		return types.RoomState{}, err
	}
	return v.(types.RoomState), nil
}

type permissionsResult struct {
	role        types.UserRole
	permissions types.UserPermissions
}

// RequestPermissions returns the requester's own role and its fixed
// permission set.
func (h Handle) RequestPermissions(ctx context.Context, requester ids.SessionId) (types.UserRole, types.UserPermissions, error) {
	v, err := h.submit(ctx, false, func() (any, error) {
		u, ok := h.room.users[requester]
		if !ok {
			return nil, ErrNotMember
		}
		return permissionsResult{role: u.Role, permissions: types.PermissionsFor(u.Role)}, nil
	})
	if err != nil {
		return 0, types.UserPermissions{}, err
	}
	pr := v.(permissionsResult)
	return pr.role, pr.permissions, nil
}

// Close shuts the room down, permission-gated on CanClose. A close request
// against an already-closed room is an idempotent no-op.
func (h Handle) Close(ctx context.Context, requester ids.SessionId, reason wire.RoomDisconnectReason) error {
	_, err := h.submit(ctx, true, func() (any, error) {
		u, ok := h.room.users[requester]
		if !ok {
			return nil, ErrNotMember
		}
		if !types.PermissionsFor(u.Role).CanClose {
			return nil, ErrForbidden
		}
		h.room.doClose(reason)
		return nil, nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (r *Room) doClose(reason wire.RoomDisconnectReason) {
	if !r.running {
		return
	}
	r.running = false
	for _, u := range r.users {
		u.Session.Send(types.EventRoomDisconnected{Reason: reason})
	}
	metrics.RoomMembers.DeleteLabelValues(r.id.String())
}

// snapshot renders the current room state.
func (r *Room) snapshot() types.RoomState {
	users := make([]types.RoomUserData, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, types.RoomUserData{SessionId: u.SessionId.String(), Name: u.Name, Role: u.Role})
	}
	return types.RoomState{
		Id:           r.id,
		Name:         r.name,
		Password:     r.password,
		PlaybackInfo: r.playback.Info(),
		Users:        users,
	}
}

// broadcastState emits the current RoomState to every member. Delivery
// failures are collected during the pass, never acted on mid-iteration, and
// applied as Leaves once the broadcast itself has finished, so a dead
// session's removal can never corrupt the broadcast it was discovered in.
func (r *Room) broadcastState() {
	state := r.snapshot()
	var dead []ids.SessionId
	for id, u := range r.users {
		if !u.Session.Send(types.EventStateUpdated{State: state}) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		r.doLeave(id)
	}
}

// --- Playback operations (delegated to the coordinator) ---

// PlaybackHost claims (or re-claims) the playback-host role for requester,
// superseding any running playback.
func (h Handle) PlaybackHost(ctx context.Context, requester ids.SessionId) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		u, ok := h.room.users[requester]
		if !ok {
			return nil, ErrNotMember
		}
		h.room.playback.Host(u.Session)
		u.Session.Send(types.EventPlaybackHosting{})
		h.room.broadcastState()
		return nil, nil
	})
	return err
}

// PlaybackStart starts playback with source, announcing availability to
// every other room member.
func (h Handle) PlaybackStart(ctx context.Context, requester ids.SessionId, source types.PlaybackSource) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		if _, ok := h.room.users[requester]; !ok {
			return nil, ErrNotMember
		}
		notify := make([]types.Session, 0, len(h.room.users))
		for id, u := range h.room.users {
			if id != requester {
				notify = append(notify, u.Session)
			}
		}
		if err := h.room.playback.Start(requester, source, notify); err != nil {
			return nil, err
		}
		h.room.broadcastState()
		return nil, nil
	})
	return err
}

// PlaybackStop stops the running playback.
func (h Handle) PlaybackStop(ctx context.Context, requester ids.SessionId, reason wire.StopReason) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		if err := h.room.playback.Stop(requester, reason); err != nil {
			return nil, err
		}
		h.room.broadcastState()
		return nil, nil
	})
	return err
}

// PlaybackConnect subscribes requester to the running playback.
func (h Handle) PlaybackConnect(ctx context.Context, requester ids.SessionId) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		u, ok := h.room.users[requester]
		if !ok {
			return nil, ErrNotMember
		}
		return nil, h.room.playback.Connect(u.Session)
	})
	return err
}

// PlaybackDisconnect unsubscribes requester from the running playback at its
// own request (reason User).
func (h Handle) PlaybackDisconnect(ctx context.Context, requester ids.SessionId) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		h.room.playback.Disconnect(requester, wire.PlaybackDisconnectedUser, "")
		return nil, nil
	})
	return err
}

// PlaybackSync forwards a playback state assertion through the
// coordinator's clock-offset normalization.
func (h Handle) PlaybackSync(ctx context.Context, requester ids.SessionId, state types.PlaybackState) error {
	_, err := h.submit(ctx, false, func() (any, error) {
		return nil, h.room.playback.Sync(requester, state)
	})
	return err
}

// String renders a human-readable identity for logging.
func (h Handle) String() string {
	return fmt.Sprintf("room(%s)", h.room.id)
}
