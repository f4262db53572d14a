package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncroom/server/internal/access"
	"github.com/syncroom/server/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeTransport is an in-memory Transport for exercising the state machine
// without a real socket.
type fakeTransport struct {
	mu       sync.Mutex
	inbound  [][2]interface{} // {messageType, data}
	outbound [][2]interface{}
	closed   bool
	readErr  error
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (f *fakeTransport) pushInbound(messageType int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, [2]interface{}{messageType, data})
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, timeoutError{}
	}
	msg := f.inbound[0]
	f.inbound = f.inbound[1:]
	return msg[0].(int), msg[1].([]byte), nil
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, [2]interface{}{messageType, data})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }

func (f *fakeTransport) lastOutbound() (int, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.outbound[len(f.outbound)-1]
	return last[0].(int), last[1].([]byte)
}

func encodeClientFrame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	data, err := wire.Encode(wire.FormatBinary, uint64(time.Now().UnixMilli()), kind, payload)
	require.NoError(t, err)
	return data
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAwaitLogin_GrantsBaselineWithNoKey(t *testing.T) {
	tr := &fakeTransport{}
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindLogin, wire.LoginPayload{Username: "alice"}))

	conn := New(tr)
	policy := access.Policy{RestrictConnect: false, RestrictHost: true}

	res, err := conn.AwaitLogin(context.Background(), policy, nil, "")
	require.NoError(t, err)
	require.Equal(t, "alice", res.Username)
	require.True(t, res.Permissions.Connect)
	require.False(t, res.Permissions.Host)
	require.Equal(t, StateAuthenticated, conn.State())
}

func TestAwaitLogin_DeniesWhenRestricted(t *testing.T) {
	tr := &fakeTransport{}
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindLogin, wire.LoginPayload{Username: "mallory"}))

	conn := New(tr)
	policy := access.Policy{RestrictConnect: true, RestrictHost: true}

	_, err := conn.AwaitLogin(context.Background(), policy, nil, "")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StateClosed, conn.State())

	mt, data := tr.lastOutbound()
	require.Equal(t, websocket.BinaryMessage, mt)
	env, err := wire.Decode(wire.FormatBinary, data)
	require.NoError(t, err)
	require.Equal(t, wire.KindClosed, env.Kind)
	var closed wire.ClosedPayload
	require.NoError(t, wire.DecodeBody(wire.FormatBinary, env.Body, &closed))
	require.Equal(t, wire.CloseUnauthorized, closed.Reason)
}

func TestAwaitLogin_RejectsWrongKindButKeepsWaiting(t *testing.T) {
	tr := &fakeTransport{}
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindPing, wire.PingPayload{}))
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindLogin, wire.LoginPayload{Username: "bob"}))

	conn := New(tr)
	res, err := conn.AwaitLogin(context.Background(), access.Policy{}, nil, "")
	require.NoError(t, err)
	require.Equal(t, "bob", res.Username)
}

func TestClose_IsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	conn := New(tr)
	conn.setState(StateAuthenticated)

	require.NoError(t, conn.Close(wire.CloseServerError, "boom"))
	require.NoError(t, conn.Close(wire.CloseServerError, "boom again"))

	require.Len(t, tr.outbound, 1, "second close must not send another frame")
	require.True(t, tr.closed)
}

func TestPing_BuffersUnrelatedMessageAndDeliversItToRecv(t *testing.T) {
	tr := &fakeTransport{}
	conn := New(tr)
	conn.setState(StateAuthenticated)

	// While awaiting the pong, the peer interleaves an unrelated chat-ish
	// message, then finally the pong.
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindRequestState, wire.RequestStatePayload{}))
	pongFrame := func() []byte {
		data, _ := wire.Encode(wire.FormatBinary, uint64(time.Now().UnixMilli()), wire.KindPong, wire.PongPayload{})
		return data
	}()
	tr.pushInbound(websocket.BinaryMessage, pongFrame)

	result, err := conn.Ping(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Latency, time.Duration(0))

	kind, _, _, err := conn.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.KindRequestState, kind, "buffered message must be redelivered via Recv, not dropped")
}

func TestPing_TimesOutWithoutPong(t *testing.T) {
	// With nothing queued, the fake reports a read timeout, as a socket whose
	// read deadline passed would.
	tr := &fakeTransport{}
	conn := New(tr)
	conn.setState(StateAuthenticated)

	_, err := conn.Ping(context.Background())
	require.ErrorIs(t, err, ErrPingTimeout)
}

func TestRecv_AnswersPingAutomatically(t *testing.T) {
	tr := &fakeTransport{}
	conn := New(tr)
	conn.setState(StateAuthenticated)

	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindPing, wire.PingPayload{}))
	tr.pushInbound(websocket.BinaryMessage, encodeClientFrame(t, wire.KindRequestState, wire.RequestStatePayload{}))

	kind, _, _, err := conn.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.KindRequestState, kind)

	_, data := tr.lastOutbound()
	env, err := wire.Decode(wire.FormatBinary, data)
	require.NoError(t, err)
	require.Equal(t, wire.KindPong, env.Kind, "a client ping must be answered with pong without surfacing to the caller")
}

func TestFormatSwitchesOnTextualFrame(t *testing.T) {
	tr := &fakeTransport{}
	conn := New(tr)
	conn.setState(StateAuthenticated)

	data, err := wire.Encode(wire.FormatTextual, uint64(time.Now().UnixMilli()), wire.KindRequestState, wire.RequestStatePayload{})
	require.NoError(t, err)
	tr.pushInbound(websocket.TextMessage, data)

	kind, _, format, err := conn.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.KindRequestState, kind)
	require.Equal(t, wire.FormatTextual, format)

	require.NoError(t, conn.Send(wire.KindState, wire.StatePayload{}))
	mt, _ := tr.lastOutbound()
	require.Equal(t, websocket.TextMessage, mt, "replies must use the last observed format")
}
