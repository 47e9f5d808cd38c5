// Package authn verifies the login frame a terminal-bridge client sends as
// the first message on /ws/terminal: either a JWT or an API key/secret
// pair.
package authn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is wrapped by every rejection reason so callers can
// uniformly map it onto the bridge's "[<status>]: <reason>" close text.
var ErrUnauthenticated = errors.New("authn: unauthenticated")

// Subject is the authenticated principal, once a login frame checks out.
type Subject struct {
	UserID string
	Source string // "jwt" or "api-key"
}

// APIKeyLookup resolves a configured API key to its secret and owning
// user id. Returning ok=false means the key is unknown.
type APIKeyLookup func(key string) (secret, userID string, ok bool)

// Verifier checks the two login-frame variants against configured
// credentials.
type Verifier struct {
	jwtSecret []byte
	lookup    APIKeyLookup
	now       func() time.Time
}

// NewVerifier builds a Verifier. jwtSecret signs/validates HS256 session
// JWTs; lookup resolves API key/secret pairs. Either may be nil to
// disable that login mode.
func NewVerifier(jwtSecret []byte, lookup APIKeyLookup) *Verifier {
	return &Verifier{jwtSecret: jwtSecret, lookup: lookup, now: time.Now}
}

// loginFrame mirrors the two shapes the bridge accepts as the first
// message on a terminal websocket.
type loginFrame struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type jwtParams struct {
	JWT string `json:"jwt"`
}

type apiKeyParams struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Authenticate parses and validates raw as a login frame, returning the
// authenticated Subject or a wrapped ErrUnauthenticated.
func (v *Verifier) Authenticate(raw []byte) (Subject, error) {
	var frame loginFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Subject{}, fmt.Errorf("%w: malformed login frame: %v", ErrUnauthenticated, err)
	}

	switch frame.Type {
	case "Jwt":
		return v.authenticateJWT(frame.Params)
	case "ApiKeys":
		return v.authenticateAPIKey(frame.Params)
	default:
		return Subject{}, fmt.Errorf("%w: unknown login type %q", ErrUnauthenticated, frame.Type)
	}
}

func (v *Verifier) authenticateJWT(raw json.RawMessage) (Subject, error) {
	if v.jwtSecret == nil {
		return Subject{}, fmt.Errorf("%w: jwt login is not enabled", ErrUnauthenticated)
	}
	var params jwtParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Subject{}, fmt.Errorf("%w: malformed jwt params: %v", ErrUnauthenticated, err)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(params.JWT, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return Subject{}, fmt.Errorf("%w: invalid jwt: %v", ErrUnauthenticated, err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Subject{}, fmt.Errorf("%w: jwt missing sub claim", ErrUnauthenticated)
	}

	return Subject{UserID: sub, Source: "jwt"}, nil
}

func (v *Verifier) authenticateAPIKey(raw json.RawMessage) (Subject, error) {
	if v.lookup == nil {
		return Subject{}, fmt.Errorf("%w: api-key login is not enabled", ErrUnauthenticated)
	}
	var params apiKeyParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Subject{}, fmt.Errorf("%w: malformed api key params: %v", ErrUnauthenticated, err)
	}

	secret, userID, ok := v.lookup(params.Key)
	if !ok || secret != params.Secret {
		return Subject{}, fmt.Errorf("%w: invalid api key", ErrUnauthenticated)
	}

	return Subject{UserID: userID, Source: "api-key"}, nil
}

// IssueJWT mints a session JWT for userID, expiring after ttl. The fleetd
// ssh client uses it to mint the token it presents on /ws/terminal.
func (v *Verifier) IssueJWT(userID string, ttl time.Duration) (string, error) {
	if v.jwtSecret == nil {
		return "", fmt.Errorf("jwt issuance is not enabled")
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.jwtSecret)
}
