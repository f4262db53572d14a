// Package listener implements the accept loop as a gin-mounted WebSocket
// upgrade route: every accepted peer gets one connection.Connection run
// through the login handshake and, on success, one session.Session
// goroutine that lives until the socket closes. Authentication is in-band
// (the login handshake), which is why it happens after the upgrade, not
// before it.
package listener

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncroom/server/internal/access"
	"github.com/syncroom/server/internal/connection"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/metrics"
	"github.com/syncroom/server/internal/ratelimit"
	"github.com/syncroom/server/internal/registry"
	"github.com/syncroom/server/internal/session"
)

// ServerBuild is announced in the hello message so clients can tell a slow
// server from a rejected connection before the login timeout fires.
const ServerBuild = "syncroom/1"

// Listener owns everything a freshly accepted peer needs: the access policy
// for its login, the registry its session will create and join rooms
// through, and the rate limiter guarding the privileged operations.
type Listener struct {
	policy    access.Policy
	keys      []access.Key
	jwtSecret string

	reg     *registry.Registry
	limiter *ratelimit.Limiter

	allowedOrigins []string
}

// New constructs a listener. limiter may be nil to disable rate limiting
// (tests); reg must not be nil.
func New(policy access.Policy, keys []access.Key, jwtSecret string, reg *registry.Registry, limiter *ratelimit.Limiter) *Listener {
	return &Listener{
		policy:         policy,
		keys:           keys,
		jwtSecret:      jwtSecret,
		reg:            reg,
		limiter:        limiter,
		allowedOrigins: AllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
}

// AllowedOriginsFromEnv reads a comma-separated origin allowlist from the
// environment, falling back to defaults for local development.
func AllowedOriginsFromEnv(envVarName string, defaults []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), "origin allowlist not set, using development defaults",
			zap.String("var", envVarName), zap.Strings("defaults", defaults))
		return defaults
	}
	return strings.Split(originsStr, ",")
}

func (l *Listener) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients carry no Origin header
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range l.allowedOrigins {
				allowedURL, err := url.Parse(strings.TrimSpace(allowed))
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
}

// ServeWs is the accept path for one peer: rate-limit, upgrade, then run the
// connection and session lifecycle on a fresh goroutine. Accept-path errors
// are logged and answered; they never affect any other connection.
func (l *Listener) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if l.limiter != nil {
		if d := l.limiter.CheckLoginIP(ctx, c.ClientIP()); !d.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
	}

	up := l.upgrader()
	ws, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	correlationID, _ := ctx.Value(logging.CorrelationIDKey).(string)
	go l.runPeer(ws, correlationID)
}

// runPeer drives one peer from handshake to teardown. It runs on its own
// goroutine with a background context carrying only the request's
// correlation id: the HTTP request context ends when ServeWs returns, but
// the socket outlives it.
func (l *Listener) runPeer(transport connection.Transport, correlationID string) {
	ctx := context.Background()
	if correlationID != "" {
		ctx = logging.WithCorrelation(ctx, correlationID)
	}
	conn := connection.New(transport)
	defer conn.BestEffortClose()

	if err := conn.SendHello(ServerBuild); err != nil {
		logging.Warn(ctx, "hello failed", zap.Error(err))
		return
	}

	result, err := conn.AwaitLogin(ctx, l.policy, l.keys, l.jwtSecret)
	if err != nil {
		logging.Debug(ctx, "login failed", zap.Error(err))
		return
	}

	apiKey := ""
	if result.ApiKey != nil {
		apiKey = *result.ApiKey
	}

	sess := session.New(conn, l.reg, result.Username, result.Permissions.Host).
		WithRateLimit(l.limiter, apiKey)

	sessCtx := logging.WithSession(ctx, sess.ID().String())
	logging.Info(sessCtx, "session started",
		zap.String("username", result.Username),
		zap.String("api_key", logging.RedactKey(apiKey)),
		zap.Bool("can_host", result.Permissions.Host))

	metrics.IncConnection()
	defer metrics.DecConnection()

	sess.Run(sessCtx)
	logging.Info(sessCtx, "session ended")
}
