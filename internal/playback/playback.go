// Package playback implements the playback coordinator: one host, zero or
// more subscribers, and the clock-offset normalization that lets every
// recipient of a Sync read state.timestamp in its own local clock.
//
// A Coordinator is owned exclusively by the goroutine of the *room.Room that
// hosts it (internal/room): every method here runs on that single goroutine,
// so no internal locking is needed.
package playback

import (
	"errors"

	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/metrics"
	"github.com/syncroom/server/internal/types"
	"github.com/syncroom/server/internal/wire"
)

var (
	ErrNotHost       = errors.New("playback: requester is not the playback host")
	ErrNotRunning    = errors.New("playback: not running")
	ErrIsHost        = errors.New("playback: playback host cannot connect to itself")
	ErrHostGone      = errors.New("playback: host delivery failed")
	ErrNotParticipant = errors.New("playback: session is not host or subscriber")
)

// Coordinator is one room's optional playback.
type Coordinator struct {
	running     bool
	source      *types.PlaybackSource
	host        types.Session
	hasHost     bool
	subscribers map[ids.SessionId]types.Session
}

// New returns an empty coordinator with no host and nothing running.
func New() *Coordinator {
	return &Coordinator{subscribers: make(map[ids.SessionId]types.Session)}
}

// Running reports whether a playback is currently active.
func (c *Coordinator) Running() bool { return c.running }

// HostID returns the current playback host's session id, if any has claimed
// the role yet.
func (c *Coordinator) HostID() (ids.SessionId, bool) {
	if !c.hasHost {
		return ids.SessionId{}, false
	}
	return c.host.ID, true
}

// IsSubscriber reports whether id is currently subscribed.
func (c *Coordinator) IsSubscriber(id ids.SessionId) bool {
	_, ok := c.subscribers[id]
	return ok
}

// Info projects the running Playback for inclusion in a RoomState snapshot.
// Returns nil when no host has ever claimed the role.
func (c *Coordinator) Info() *types.PlaybackInfo {
	if !c.hasHost {
		return nil
	}
	return &types.PlaybackInfo{HostName: c.host.Name, Source: c.source}
}

// Host claims (or re-claims) the playback-host role for user. Claiming
// while a playback is already running supersedes it: the previous playback
// is stopped with reason Superseded before the new host takes over.
func (c *Coordinator) Host(user types.Session) {
	if c.running {
		c.stopLocked(wire.StopSuperseded)
	}
	c.host = user
	c.hasHost = true
	c.subscribers = make(map[ids.SessionId]types.Session)
}

// Start begins playback: only the current playback host may start, and
// Start is idempotent while already running. notify is every other room
// member the room actor wants told that playback is now available to
// Connect to. Coordinator has no membership view of its own, so the caller
// (internal/room) supplies the candidate list.
func (c *Coordinator) Start(requester ids.SessionId, source types.PlaybackSource, notify []types.Session) error {
	if !c.hasHost || requester != c.host.ID {
		return ErrNotHost
	}
	if c.running {
		return nil
	}
	c.running = true
	c.source = &source
	metrics.PlaybackEvents.WithLabelValues("start", "").Inc()

	if !c.host.Send(types.EventPlaybackStarted{}) {
		c.stopLocked(wire.StopHostError)
		return ErrHostGone
	}

	info := *c.Info()
	for _, s := range notify {
		s.Send(types.EventPlaybackAvailable{Info: info})
	}
	return nil
}

// Stop ends playback: only the host may invoke it, and it is idempotent
// when not running.
func (c *Coordinator) Stop(requester ids.SessionId, reason wire.StopReason) error {
	if !c.hasHost || requester != c.host.ID {
		return ErrNotHost
	}
	c.stopLocked(reason)
	return nil
}

func (c *Coordinator) stopLocked(reason wire.StopReason) {
	if !c.running {
		return
	}
	for id, s := range c.subscribers {
		s.Send(types.EventPlaybackDisconnected{Reason: wire.PlaybackDisconnectedStopped, StopReason: reason})
		delete(c.subscribers, id)
	}
	c.running = false
	c.source = nil
	metrics.PlaybackEvents.WithLabelValues("stop", string(reason)).Inc()
	c.host.Send(types.EventPlaybackStopped{Reason: reason})
}

// Connect subscribes user: fails if playback is not running or the caller
// is the playback host itself.
func (c *Coordinator) Connect(user types.Session) error {
	if !c.running {
		return ErrNotRunning
	}
	if c.hasHost && user.ID == c.host.ID {
		return ErrIsHost
	}
	user.Send(types.EventPlaybackConnected{})
	c.subscribers[user.ID] = user
	return nil
}

// Disconnect removes id from subscribers (a no-op if it was never one) and
// notifies it with the given reason. Reason Stopped carries the nested
// StopReason; other reasons leave it zero.
func (c *Coordinator) Disconnect(id ids.SessionId, reason wire.PlaybackDisconnectReason, stopReason wire.StopReason) {
	s, ok := c.subscribers[id]
	if !ok {
		return
	}
	delete(c.subscribers, id)
	s.Send(types.EventPlaybackDisconnected{Reason: reason, StopReason: stopReason})
}

func (c *Coordinator) participant(id ids.SessionId) (types.Session, bool) {
	if c.hasHost && id == c.host.ID {
		return c.host, true
	}
	if s, ok := c.subscribers[id]; ok {
		return s, true
	}
	return types.Session{}, false
}

// Sync fans a playback-position assertion out to every other participant.
// state.Timestamp arrives in reporterID's local clock; it is normalized to
// server time, then re-shifted into each recipient's own clock before
// delivery, so every recipient can treat the timestamp it receives as
// already being in its own time base. A single forwarding pass: each
// recipient is visited exactly once.
func (c *Coordinator) Sync(reporterID ids.SessionId, state types.PlaybackState) error {
	if !c.running {
		return ErrNotRunning
	}
	reporter, ok := c.participant(reporterID)
	if !ok {
		return ErrNotParticipant
	}

	normalized := int64(state.Timestamp) - reporterOffset(reporter)

	if reporterID != c.host.ID {
		hostState := state
		hostState.Timestamp = uint64(normalized + reporterOffset(c.host))
		if !c.host.Send(types.EventPlaybackSync{State: hostState}) {
			c.stopLocked(wire.StopStoppedByHost)
			return ErrHostGone
		}
	}

	for id, sub := range c.subscribers {
		if id == reporterID {
			continue
		}
		subState := state
		subState.Timestamp = uint64(normalized + reporterOffset(sub))
		if !sub.Send(types.EventPlaybackSync{State: subState}) {
			c.Disconnect(id, wire.PlaybackDisconnectedSubscriberError, "")
		}
	}
	return nil
}

func reporterOffset(s types.Session) int64 {
	if s.Offset == nil {
		return 0
	}
	return s.Offset()
}
