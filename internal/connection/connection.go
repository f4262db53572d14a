// Package connection implements the per-socket state machine:
// authentication handshake, ping/pong latency measurement, keepalive
// handling, and the idempotent close protocol. It is transport-agnostic
// (driven through the Transport interface) so it can run over a
// *gorilla/websocket.Conn in production and a fake in tests.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syncroom/server/internal/access"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is one of the five states in a Connection's lifecycle.
type State int

const (
	StateFresh State = iota
	StateAwaitingLogin
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the minimal surface a duplex message transport must expose.
// *websocket.Conn satisfies it directly.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

const (
	// LoginTimeout is the hard deadline for a peer to send a login message
	// after the connection is established.
	LoginTimeout = 3 * time.Second
	// PingTimeout is the hard deadline for a pong to arrive after a ping.
	PingTimeout = 1 * time.Second
	writeWait   = 10 * time.Second
)

var (
	ErrLoginTimeout  = errors.New("connection: login timeout")
	ErrPingTimeout   = errors.New("connection: ping timeout")
	ErrUnauthorized  = errors.New("connection: unauthorized")
	ErrAlreadyClosed = errors.New("connection: already closed")
)

// inboundMessage is a decoded client frame, ready for dispatch or buffering.
type inboundMessage struct {
	Kind      string
	Body      []byte
	Timestamp uint64
}

// Connection is the per-socket state machine.
type Connection struct {
	transport Transport
	codec     *wire.PeerCodec

	mu    sync.Mutex
	state State

	// buffered holds non-pong messages read off the wire while a Ping call
	// is waiting for its matching pong; the pong wait must not silently
	// drop unrelated traffic.
	buffered  []inboundMessage
	closeOnce sync.Once
}

// New wraps transport in a fresh Connection, in state Fresh.
func New(transport Transport) *Connection {
	return &Connection{
		transport: transport,
		codec:     wire.NewPeerCodec(),
		state:     StateFresh,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SendHello announces the server to a Fresh connection and moves it to
// AwaitingLogin.
func (c *Connection) SendHello(serverBuild string) error {
	if err := c.send(wire.KindHello, wire.HelloPayload{ProtocolVersion: 1, Server: serverBuild}); err != nil {
		return err
	}
	c.setState(StateAwaitingLogin)
	return nil
}

// LoginResult is what AwaitLogin hands back to the caller (the session
// supervisor) once the handshake completes successfully.
type LoginResult struct {
	Username    string
	ApiKey      *string
	Permissions access.Permissions
}

// AwaitLogin blocks until the peer sends a valid login message, the login
// timeout expires, or a transport error occurs. Any non-login message
// received while awaiting login is rejected with a client-error and the wait
// continues within the same overall timeout.
func (c *Connection) AwaitLogin(ctx context.Context, policy access.Policy, keys []access.Key, jwtSecret string) (LoginResult, error) {
	deadline := time.Now().Add(LoginTimeout)
	for {
		msg, err := c.readFrameUntil(deadline)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				c.Close(wire.CloseUnauthorized, "login message not received in time")
				return LoginResult{}, ErrLoginTimeout
			}
			c.setState(StateClosed)
			return LoginResult{}, err
		}

		if msg.Kind != wire.KindLogin {
			c.sendClientError(fmt.Sprintf("expected login, got %s", msg.Kind))
			continue
		}

		var payload wire.LoginPayload
		if err := wire.DecodeBody(c.codec.Format(), msg.Body, &payload); err != nil {
			c.sendClientError("malformed login payload")
			continue
		}

		perms := policy.Resolve(payload.ApiKey, keys, jwtSecret)
		if !perms.Connect {
			c.Close(wire.CloseUnauthorized, "not permitted to connect")
			return LoginResult{}, ErrUnauthorized
		}

		if err := c.send(wire.KindLoginAck, wire.LoginAckPayload{}); err != nil {
			return LoginResult{}, err
		}
		c.setState(StateAuthenticated)
		return LoginResult{Username: payload.Username, ApiKey: payload.ApiKey, Permissions: perms}, nil
	}
}

// Send encodes and writes a message to an authenticated peer.
func (c *Connection) Send(kind string, payload any) error {
	return c.send(kind, payload)
}

func (c *Connection) send(kind string, payload any) error {
	data, err := c.codec.Encode(nowMillis(), kind, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound message", zap.String("kind", kind), zap.Error(err))
		return err
	}

	messageType := websocket.BinaryMessage
	if c.codec.Format() == wire.FormatTextual {
		messageType = websocket.TextMessage
	}

	c.transport.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.transport.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("connection: write: %w", err)
	}
	return nil
}

func (c *Connection) sendClientError(message string) {
	if err := c.send(wire.KindClientErr, wire.ClientErrorPayload{Message: message}); err != nil {
		logging.Warn(context.Background(), "failed to deliver client-error", zap.Error(err))
	}
}

var errReadTimeout = errors.New("connection: read deadline exceeded")

// readFrameUntil reads and decodes exactly one application frame, retrying
// past ignorable control frames and malformed payloads without resetting the
// overall deadline.
func (c *Connection) readFrameUntil(deadline time.Time) (inboundMessage, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return inboundMessage{}, errReadTimeout
		}
		if err := c.transport.SetReadDeadline(deadline); err != nil {
			return inboundMessage{}, err
		}

		messageType, data, err := c.transport.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				return inboundMessage{}, errReadTimeout
			}
			return inboundMessage{}, err
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			env, derr := c.codec.Decode(messageType == websocket.BinaryMessage, data)
			if derr != nil {
				c.sendClientError("malformed message")
				continue
			}
			return inboundMessage{Kind: env.Kind, Body: env.Body, Timestamp: env.Timestamp}, nil
		case websocket.CloseMessage:
			return inboundMessage{}, errors.New("connection: peer closed")
		default:
			// Non-binary, non-textual control frames are ignored.
			continue
		}
	}
}

// Recv blocks for the next application message from an authenticated peer.
// Keepalive messages are consumed silently; ping messages are answered with
// pong automatically, so the session supervisor never observes either.
// Buffered messages recorded by an earlier Ping call are drained first, in
// the order they were received.
func (c *Connection) Recv(ctx context.Context) (kind string, body []byte, format wire.Format, err error) {
	for {
		c.mu.Lock()
		if len(c.buffered) > 0 {
			msg := c.buffered[0]
			c.buffered = c.buffered[1:]
			c.mu.Unlock()
			if handled, herr := c.handleControlKinds(msg); handled {
				if herr != nil {
					return "", nil, c.codec.Format(), herr
				}
				continue
			}
			return msg.Kind, msg.Body, c.codec.Format(), nil
		}
		c.mu.Unlock()

		msg, rerr := c.readFrameBlocking(ctx)
		if rerr != nil {
			return "", nil, c.codec.Format(), rerr
		}
		if handled, herr := c.handleControlKinds(msg); handled {
			if herr != nil {
				return "", nil, c.codec.Format(), herr
			}
			continue
		}
		return msg.Kind, msg.Body, c.codec.Format(), nil
	}
}

// handleControlKinds answers pings with pongs and swallows keepalives,
// reporting whether it consumed the message.
func (c *Connection) handleControlKinds(msg inboundMessage) (handled bool, err error) {
	switch msg.Kind {
	case wire.KindPing:
		return true, c.send(wire.KindPong, wire.PongPayload{})
	case wire.KindKeepalive:
		return true, nil
	case wire.KindPong:
		// An unsolicited pong (no Ping in flight) is simply dropped.
		return true, nil
	default:
		return false, nil
	}
}

// readFrameBlocking reads one frame with no deadline beyond ctx.
func (c *Connection) readFrameBlocking(ctx context.Context) (inboundMessage, error) {
	deadline := time.Now().Add(farFuture)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	return c.readFrameUntil(deadline)
}

const farFuture = 24 * 365 * time.Hour

// PingResult is the outcome of a successful Ping.
type PingResult struct {
	Latency    time.Duration
	TimeOffset int64 // signed ms: how far the peer's clock leads the server's
}

// Ping measures round-trip latency and the peer's clock offset. Any message
// read while awaiting the matching pong that is not itself a pong is
// buffered and redelivered to the next Recv call.
func (c *Connection) Ping(ctx context.Context) (PingResult, error) {
	start := nowMillis()
	if err := c.send(wire.KindPing, wire.PingPayload{}); err != nil {
		return PingResult{}, err
	}

	deadline := time.Now().Add(PingTimeout)
	for {
		msg, err := c.readFrameUntil(deadline)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				return PingResult{}, ErrPingTimeout
			}
			return PingResult{}, err
		}

		if msg.Kind == wire.KindPong {
			end := nowMillis()
			expected := start + (end-start)/2
			offset := int64(msg.Timestamp) - int64(expected)
			return PingResult{Latency: time.Duration(end-start) * time.Millisecond, TimeOffset: offset}, nil
		}

		if msg.Kind == wire.KindPing {
			// Answer inline; pings from the peer never block our own pong wait.
			c.send(wire.KindPong, wire.PongPayload{})
			continue
		}
		if msg.Kind == wire.KindKeepalive {
			continue
		}

		c.mu.Lock()
		c.buffered = append(c.buffered, msg)
		c.mu.Unlock()
	}
}

// Close is idempotent: the first call sends a Closed message and closes the
// transport; subsequent calls are no-ops.
func (c *Connection) Close(reason wire.CloseReason, message string) error {
	var sendErr error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		sendErr = c.send(wire.KindClosed, wire.ClosedPayload{Reason: reason, Message: message})
		c.transport.Close()
		c.setState(StateClosed)
	})
	return sendErr
}

// BestEffortClose is used on the defer path when no explicit close reason
// is available: one best-effort attempt with reason ServerError.
func (c *Connection) BestEffortClose() {
	c.Close(wire.CloseServerError, "connection dropped")
}
