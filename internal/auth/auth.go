// Package auth turns bearer tokens into user ids, either by asking the auth
// service or by checking an HS256 signature locally.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

// Verifier resolves a token to the user it was issued for. An invalid token
// yields errs.ErrUnauthorized, any other failure errs.ErrUpstream.
type Verifier interface {
	Verify(ctx context.Context, token string) (protocol.ID, error)
}

// HTTPVerifier asks the auth service at url.
type HTTPVerifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier creates a verifier calling GET url with the token as bearer.
func NewHTTPVerifier(url string, client *http.Client, log *zap.Logger) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPVerifier{url: url, client: client, log: log}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (protocol.ID, error) {
	if token == "" {
		return 0, errs.ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("verify token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("auth service unreachable", zap.Error(err))
		return 0, errs.Unreachable("verify token", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, errs.ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		v.log.Warn("auth service error", zap.Int("status", resp.StatusCode))
		return 0, errs.Upstream("verify token", resp.StatusCode)
	}

	var body struct {
		UserID protocol.ID `json:"user_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, &errs.UpstreamError{Op: "verify token", Status: resp.StatusCode, Err: err}
	}
	if body.UserID == 0 {
		return 0, &errs.UpstreamError{Op: "verify token", Status: resp.StatusCode, Err: errors.New("response without user_id")}
	}
	return body.UserID, nil
}

// DefaultLeeway tolerates clock skew on exp and nbf.
const DefaultLeeway = 30 * time.Second

// JWTVerifier checks HS256 tokens signed with a shared secret. The user id
// comes from the user_id claim, or from the subject when it is absent.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a local verifier.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, leeway: DefaultLeeway}
}

type claims struct {
	jwt.RegisteredClaims
	UserID protocol.ID `json:"user_id,omitempty"`
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (protocol.ID, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if c.UserID != 0 {
		return c.UserID, nil
	}
	id, err := protocol.ParseID(c.Subject)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

// Sign issues an HS256 token for user valid for ttl. Tools and tests use it
// to talk to a server running the local verifier.
func Sign(secret []byte, user protocol.ID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}
