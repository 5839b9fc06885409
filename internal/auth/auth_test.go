package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

func authServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"user_id":17}`))
		case "Bearer string-id":
			_, _ = w.Write([]byte(`{"user_id":"18"}`))
		case "Bearer empty":
			_, _ = w.Write([]byte(`{}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPVerifier(t *testing.T) {
	t.Parallel()
	srv := authServer(t)
	v := NewHTTPVerifier(srv.URL+"/auth-service/auth/verify", srv.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	id, err := v.Verify(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(17), id)

	id, err = v.Verify(ctx, "string-id")
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(18), id)

	_, err = v.Verify(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.NotErrorIs(t, err, errs.ErrUpstream)

	_, err = v.Verify(ctx, "")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = v.Verify(ctx, "broken")
	require.ErrorIs(t, err, errs.ErrUpstream)
	assert.NotErrorIs(t, err, errs.ErrUnauthorized)

	_, err = v.Verify(ctx, "empty")
	require.ErrorIs(t, err, errs.ErrUpstream)
}

func TestHTTPVerifierUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPVerifier(url, nil, nil).Verify(context.Background(), "tok")
	require.ErrorIs(t, err, errs.ErrUpstream)
	var upErr *errs.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Zero(t, upErr.Status)
}

func TestJWTVerifier(t *testing.T) {
	t.Parallel()
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)
	ctx := context.Background()

	tok, err := Sign(secret, 42, time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(42), id)

	withClaim, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 9,
		"exp":     time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	id, err = v.Verify(ctx, withClaim)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(9), id)

	other, err := Sign([]byte("other"), 42, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(ctx, other)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	expired, err := Sign(secret, 42, -time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(ctx, expired)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	skewed, err := Sign(secret, 42, -10*time.Second)
	require.NoError(t, err)
	_, err = v.Verify(ctx, skewed)
	require.NoError(t, err, "expiry within leeway is accepted")

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "42"}).SignedString(secret)
	require.NoError(t, err)
	_, err = v.Verify(ctx, hs512)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString(secret)
	require.NoError(t, err)
	_, err = v.Verify(ctx, noSubject)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
