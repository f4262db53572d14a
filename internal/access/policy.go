// Package access maps an optional API key to a {connect, host} capability
// set under a default-deny or default-allow baseline that per-key grants can
// only add to, never subtract from.
package access

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions is the resolved capability set for one connection. It is
// computed once at login and never changes for the life of the connection.
type Permissions struct {
	Connect bool
	Host    bool
}

// Policy is the process-wide baseline, loaded once at startup.
type Policy struct {
	RestrictConnect bool
	RestrictHost    bool
}

// Key is one statically configured API key and the capabilities it grants.
type Key struct {
	Key     string
	Connect bool
	Host    bool
}

// capabilityClaims is the shape of a self-contained, signed API key: a JWT
// whose claims directly encode the capabilities it grants. It supplements,
// never replaces, the static Key list.
type capabilityClaims struct {
	Connect bool `json:"connect"`
	Host    bool `json:"host"`
	jwt.RegisteredClaims
}

// Baseline returns the capability set granted to a connection presenting no
// key at all.
func (p Policy) Baseline() Permissions {
	return Permissions{
		Connect: !p.RestrictConnect,
		Host:    !p.RestrictHost,
	}
}

// Resolve computes the capability set for apiKey: the policy baseline,
// plus whatever a matched key grants on top. jwtSecret may be empty, in
// which case signed capability keys are never attempted and apiKey is
// matched only against the static list.
func (p Policy) Resolve(apiKey *string, keys []Key, jwtSecret string) Permissions {
	baseline := p.Baseline()

	if apiKey == nil || *apiKey == "" {
		return baseline
	}

	if claims, ok := verifyCapabilityKey(*apiKey, jwtSecret); ok {
		return Permissions{
			Connect: baseline.Connect || claims.Connect,
			Host:    baseline.Host || claims.Host,
		}
	}

	for _, k := range keys {
		if k.Key == *apiKey {
			return Permissions{
				Connect: baseline.Connect || k.Connect,
				Host:    baseline.Host || k.Host,
			}
		}
	}

	// Key matches nothing configured: do not downgrade below baseline.
	return baseline
}

func verifyCapabilityKey(token, secret string) (capabilityClaims, bool) {
	var claims capabilityClaims
	if secret == "" || !strings.Contains(token, ".") {
		return claims, false
	}

	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(2*time.Second))
	if err != nil || !parsed.Valid {
		return capabilityClaims{}, false
	}
	return claims, true
}

// IssueCapabilityKey signs a self-contained capability key. Exposed for
// operator tooling (and for tests); production deployments are free to rely
// solely on the static Key list instead.
func IssueCapabilityKey(secret string, connect, host bool, ttl time.Duration) (string, error) {
	claims := capabilityClaims{
		Connect: connect,
		Host:    host,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
