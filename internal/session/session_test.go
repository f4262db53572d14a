package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/syncroom/server/internal/access"
	"github.com/syncroom/server/internal/connection"
	"github.com/syncroom/server/internal/ids"
	"github.com/syncroom/server/internal/registry"
	"github.com/syncroom/server/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedTransport blocks reads until a frame is queued or the script calls
// fail/Close, so the session's pump consumes frames in order and then sees
// the connection drop, which is the shape of a real socket without one.
type scriptedTransport struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbound  [][]byte
	outbound [][]byte
	readErr  error
	closed   bool
}

func newScriptedTransport() *scriptedTransport {
	s := &scriptedTransport{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scriptedTransport) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, data)
	s.cond.Broadcast()
}

func (s *scriptedTransport) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	s.cond.Broadcast()
}

func (s *scriptedTransport) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.inbound) == 0 && s.readErr == nil && !s.closed {
		s.cond.Wait()
	}
	if len(s.inbound) > 0 {
		data := s.inbound[0]
		s.inbound = s.inbound[1:]
		return websocket.BinaryMessage, data, nil
	}
	if s.readErr != nil {
		return 0, nil, s.readErr
	}
	return 0, nil, errors.New("transport closed")
}

func (s *scriptedTransport) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("transport closed")
	}
	s.outbound = append(s.outbound, data)
	return nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

func (s *scriptedTransport) SetWriteDeadline(time.Time) error { return nil }
func (s *scriptedTransport) SetReadDeadline(time.Time) error  { return nil }

func (s *scriptedTransport) outboundKinds(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.outbound))
	for _, data := range s.outbound {
		env, err := wire.Decode(wire.FormatBinary, data)
		require.NoError(t, err)
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func (s *scriptedTransport) payloadFor(t *testing.T, kind string, target any) bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, data := range s.outbound {
		env, err := wire.Decode(wire.FormatBinary, data)
		require.NoError(t, err)
		if env.Kind == kind {
			require.NoError(t, wire.DecodeBody(wire.FormatBinary, env.Body, target))
			return true
		}
	}
	return false
}

func frame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	data, err := wire.Encode(wire.FormatBinary, uint64(time.Now().UnixMilli()), kind, payload)
	require.NoError(t, err)
	return data
}

// startSession runs the full handshake-then-supervise lifecycle against a
// scripted transport, returning once the session goroutine is live.
func startSession(t *testing.T, tr *scriptedTransport, reg *registry.Registry) (done chan struct{}) {
	t.Helper()
	tr.push(frame(t, wire.KindLogin, wire.LoginPayload{Username: "u"}))

	conn := connection.New(tr)
	require.NoError(t, conn.SendHello("syncroom/test"))
	result, err := conn.AwaitLogin(context.Background(), access.Policy{}, nil, "")
	require.NoError(t, err)

	sess := New(conn, reg, result.Username, result.Permissions.Host)
	done = make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
		conn.BestEffortClose()
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestSession_CreateRoomAndRequestState(t *testing.T) {
	tr := newScriptedTransport()
	reg := registry.New().WithGracePeriod(10 * time.Millisecond)
	done := startSession(t, tr, reg)

	tr.push(frame(t, wire.KindCreate, wire.CreatePayload{Name: "movies", Password: "pw"}))
	tr.push(frame(t, wire.KindRequestState, wire.RequestStatePayload{}))

	// Let the relays drain before tearing the connection down.
	require.Eventually(t, func() bool {
		return tr.payloadFor(t, wire.KindState, &wire.StatePayload{})
	}, time.Second, 10*time.Millisecond)

	tr.fail(errors.New("peer went away"))
	waitDone(t, done)

	kinds := tr.outboundKinds(t)
	assert.Contains(t, kinds, wire.KindHello)
	assert.Contains(t, kinds, wire.KindLoginAck)
	assert.Contains(t, kinds, wire.KindCreateAck)

	var state wire.StatePayload
	require.True(t, tr.payloadFor(t, wire.KindState, &state))
	require.Len(t, state.Users, 1)
	assert.Equal(t, "u", state.Users[0].Name)
	assert.Equal(t, "Host", state.Users[0].Role)
}

func TestSession_TerminationLeavesRoomAndClosesIt(t *testing.T) {
	tr := newScriptedTransport()
	reg := registry.New().WithGracePeriod(10 * time.Millisecond)
	done := startSession(t, tr, reg)

	tr.push(frame(t, wire.KindCreate, wire.CreatePayload{Name: "movies", Password: "pw"}))
	require.Eventually(t, func() bool {
		return tr.payloadFor(t, wire.KindCreateAck, &wire.CreateAckPayload{})
	}, time.Second, 10*time.Millisecond)

	var ack wire.CreateAckPayload
	require.True(t, tr.payloadFor(t, wire.KindCreateAck, &ack))
	roomID, err := ids.ParseRoomId(ack.RoomId)
	require.NoError(t, err)

	tr.fail(errors.New("peer went away"))
	waitDone(t, done)

	// The session was the room's only member: its exit must empty, close,
	// and eventually prune the room.
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(roomID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSession_InvalidRoomIdYieldsClientError(t *testing.T) {
	tr := newScriptedTransport()
	reg := registry.New().WithGracePeriod(10 * time.Millisecond)
	done := startSession(t, tr, reg)

	tr.push(frame(t, wire.KindJoin, wire.JoinPayload{Id: "not-a-room-id", Password: ""}))

	require.Eventually(t, func() bool {
		return tr.payloadFor(t, wire.KindClientErr, &wire.ClientErrorPayload{})
	}, time.Second, 10*time.Millisecond)

	tr.fail(errors.New("peer went away"))
	waitDone(t, done)

	var ce wire.ClientErrorPayload
	require.True(t, tr.payloadFor(t, wire.KindClientErr, &ce))
	assert.Contains(t, ce.Message, "invalid room id")
}

func TestSession_JoinWrongPasswordSurfacesIncorrectPassword(t *testing.T) {
	trA := newScriptedTransport()
	reg := registry.New().WithGracePeriod(10 * time.Millisecond)
	doneA := startSession(t, trA, reg)

	trA.push(frame(t, wire.KindCreate, wire.CreatePayload{Name: "movies", Password: "x"}))
	require.Eventually(t, func() bool {
		return trA.payloadFor(t, wire.KindCreateAck, &wire.CreateAckPayload{})
	}, time.Second, 10*time.Millisecond)
	var ack wire.CreateAckPayload
	require.True(t, trA.payloadFor(t, wire.KindCreateAck, &ack))

	trB := newScriptedTransport()
	doneB := startSession(t, trB, reg)
	trB.push(frame(t, wire.KindJoin, wire.JoinPayload{Id: ack.RoomId, Password: "y"}))

	require.Eventually(t, func() bool {
		return trB.payloadFor(t, wire.KindClientErr, &wire.ClientErrorPayload{})
	}, time.Second, 10*time.Millisecond)
	var ce wire.ClientErrorPayload
	require.True(t, trB.payloadFor(t, wire.KindClientErr, &ce))
	assert.Equal(t, "Incorrect password", ce.Message)

	// Membership unchanged: A's room still has exactly one user.
	trA.push(frame(t, wire.KindRequestState, wire.RequestStatePayload{}))
	require.Eventually(t, func() bool {
		var state wire.StatePayload
		return trA.payloadFor(t, wire.KindState, &state) && len(state.Users) == 1
	}, time.Second, 10*time.Millisecond)

	trB.fail(errors.New("bye"))
	waitDone(t, doneB)
	trA.fail(errors.New("bye"))
	waitDone(t, doneA)
}

func TestSession_HostSuccessionOnDisconnect(t *testing.T) {
	trA := newScriptedTransport()
	reg := registry.New().WithGracePeriod(10 * time.Millisecond)
	doneA := startSession(t, trA, reg)

	trA.push(frame(t, wire.KindCreate, wire.CreatePayload{Name: "movies", Password: "pw"}))
	require.Eventually(t, func() bool {
		return trA.payloadFor(t, wire.KindCreateAck, &wire.CreateAckPayload{})
	}, time.Second, 10*time.Millisecond)
	var ack wire.CreateAckPayload
	require.True(t, trA.payloadFor(t, wire.KindCreateAck, &ack))

	trB := newScriptedTransport()
	doneB := startSession(t, trB, reg)
	trB.push(frame(t, wire.KindJoin, wire.JoinPayload{Id: ack.RoomId, Password: "pw"}))
	require.Eventually(t, func() bool {
		return trB.payloadFor(t, wire.KindJoinAck, &wire.JoinAckPayload{})
	}, time.Second, 10*time.Millisecond)

	// A disconnects; B must be promoted to Host and see it in a state push.
	trA.fail(errors.New("gone"))
	waitDone(t, doneA)

	require.Eventually(t, func() bool {
		var state wire.StatePayload
		if !tailState(t, trB, &state) {
			return false
		}
		return len(state.Users) == 1 && state.Users[0].Role == "Host"
	}, time.Second, 10*time.Millisecond)

	trB.fail(errors.New("bye"))
	waitDone(t, doneB)
}

// tailState decodes the most recent state frame, if any.
func tailState(t *testing.T, tr *scriptedTransport, target *wire.StatePayload) bool {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	found := false
	for _, data := range tr.outbound {
		env, err := wire.Decode(wire.FormatBinary, data)
		require.NoError(t, err)
		if env.Kind == wire.KindState {
			require.NoError(t, wire.DecodeBody(wire.FormatBinary, env.Body, target))
			found = true
		}
	}
	return found
}
