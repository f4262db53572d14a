// Package registry implements the room registry: the process-wide
// RoomId-to-room lookup, guarded by a single short-hold mutex. A room that
// closes because its last user left lingers in the map for a short grace
// period, so a client racing a reconnect can still find it.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/metrics"
	"github.com/syncroom/server/internal/room"
	"github.com/syncroom/server/internal/types"
	"github.com/syncroom/server/internal/wire"
)

var (
	ErrRoomNotFound      = errors.New("registry: room not found")
	ErrIncorrectPassword = errors.New("registry: incorrect password")
)

// DefaultGracePeriod is how long a closed room's entry lingers in the
// registry before being pruned.
const DefaultGracePeriod = 5 * time.Second

type controller struct {
	handle   room.Handle
	password string
}

// Registry is the only shared mutable structure in the server. Callers hold
// reg.mu only long enough to read or write the map entry, never while
// awaiting a room actor's work.
type Registry struct {
	mu          sync.Mutex
	rooms       map[ids.RoomId]*controller
	gracePeriod time.Duration
}

// New returns an empty registry using DefaultGracePeriod.
func New() *Registry {
	return &Registry{rooms: make(map[ids.RoomId]*controller), gracePeriod: DefaultGracePeriod}
}

// WithGracePeriod overrides the idle-room cleanup delay; mainly useful in
// tests that don't want to wait out the production default.
func (reg *Registry) WithGracePeriod(d time.Duration) *Registry {
	reg.gracePeriod = d
	return reg
}

// CreateRoom mints a RoomId, spawns a room actor, and joins initiator as
// Host.
func (reg *Registry) CreateRoom(ctx context.Context, name, password string, initiator types.Session) (room.Handle, types.RoomState, error) {
	id := ids.NewRoomId()
	r := room.New(id, name, password)
	go r.Run()
	handle := r.Handle()

	reg.mu.Lock()
	reg.rooms[id] = &controller{handle: handle, password: password}
	reg.mu.Unlock()
	metrics.ActiveRooms.Inc()

	go reg.pruneWhenDone(id, handle)

	state, err := handle.Join(ctx, initiator, types.RoleHost)
	if err != nil {
		reg.remove(id)
		return room.Handle{}, types.RoomState{}, err
	}
	return handle, state, nil
}

// JoinRoom looks up id, enforces the password check, and joins joiner as
// Guest. A password mismatch never mutates room membership.
func (reg *Registry) JoinRoom(ctx context.Context, id ids.RoomId, password string, joiner types.Session) (room.Handle, types.RoomState, error) {
	reg.mu.Lock()
	c, ok := reg.rooms[id]
	reg.mu.Unlock()
	if !ok {
		return room.Handle{}, types.RoomState{}, ErrRoomNotFound
	}
	if c.password != password {
		return room.Handle{}, types.RoomState{}, ErrIncorrectPassword
	}

	state, err := c.handle.Join(ctx, joiner, types.RoleGuest)
	if err != nil {
		if errors.Is(err, room.ErrClosed) {
			reg.remove(id)
			return room.Handle{}, types.RoomState{}, ErrRoomNotFound
		}
		return room.Handle{}, types.RoomState{}, err
	}
	return c.handle, state, nil
}

// CloseRoom sends a close command to the room actor, awaits its goroutine
// exiting, and removes the registry entry immediately. The grace period is
// skipped: an explicit close is not the reconnect-race case it exists for.
func (reg *Registry) CloseRoom(ctx context.Context, id ids.RoomId, requester ids.SessionId, reason wire.RoomDisconnectReason) error {
	reg.mu.Lock()
	c, ok := reg.rooms[id]
	reg.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	if err := c.handle.Close(ctx, requester, reason); err != nil {
		return err
	}
	select {
	case <-c.handle.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	reg.remove(id)
	return nil
}

// Lookup returns the room handle for id, if it exists and hasn't been
// pruned yet.
func (reg *Registry) Lookup(id ids.RoomId) (room.Handle, bool) {
	reg.mu.Lock()
	c, ok := reg.rooms[id]
	reg.mu.Unlock()
	if !ok {
		return room.Handle{}, false
	}
	return c.handle, true
}

// Count reports the number of tracked room entries, including ones pending
// grace-period pruning. Exposed for the /health/ready payload.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

func (reg *Registry) pruneWhenDone(id ids.RoomId, h room.Handle) {
	<-h.Done()
	metrics.ActiveRooms.Dec()
	time.AfterFunc(reg.gracePeriod, func() { reg.remove(id) })
}

func (reg *Registry) remove(id ids.RoomId) {
	reg.mu.Lock()
	delete(reg.rooms, id)
	reg.mu.Unlock()
}
