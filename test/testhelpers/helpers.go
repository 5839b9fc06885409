// Package testhelpers provides fixtures shared by the server and integration tests.
//
// An Env runs a complete relay in process: a miniredis presence store, a fake
// auth service that accepts tokens of the form "tok-<user id>", a fake chat
// service that records what it stores, and the server's router behind an
// httptest.Server.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/cipherchat/internal/auth"
	"github.com/Tyrowin/cipherchat/internal/chatapi"
	"github.com/Tyrowin/cipherchat/internal/presence"
	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/internal/server"
)

// TestOrigin is an origin every Env allows.
const TestOrigin = "http://localhost:8080"

// Token returns a token the fake auth service maps to user.
func Token(user protocol.ID) string { return "tok-" + user.String() }

// ChatCall is one request seen by the fake chat service.
type ChatCall struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

// ChatService fakes the chat persistence API.
type ChatService struct {
	mu     sync.Mutex
	calls  []ChatCall
	nextID int64
	// Status, when non-zero, is answered to every request.
	Status int
}

// Calls returns a copy of the recorded requests.
func (c *ChatService) Calls() []ChatCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatCall(nil), c.calls...)
}

// SetStatus makes every following request fail with status.
func (c *ChatService) SetStatus(status int) {
	c.mu.Lock()
	c.Status = status
	c.mu.Unlock()
}

func (c *ChatService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	c.mu.Lock()
	c.calls = append(c.calls, ChatCall{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
	status := c.Status
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if r.Method == http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"message_id": 1000 + id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuthHandler fakes the auth verify endpoint.
func AuthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		raw, ok := strings.CutPrefix(token, "tok-")
		id, err := strconv.ParseInt(raw, 10, 64)
		if !ok || err != nil || id <= 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"user_id": id})
	}
}

// Env is an in-process relay with fake collaborators.
type Env struct {
	Redis  *miniredis.Miniredis
	Store  *presence.RedisStore
	Chat   *ChatService
	Server *server.Server
	HTTP   *httptest.Server
}

// Option adjusts the configuration of an Env before the server is built.
type Option func(*server.Config)

// NewEnv starts an Env and registers its teardown with t.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	authSrv := httptest.NewServer(AuthHandler())
	t.Cleanup(authSrv.Close)
	chat := &ChatService{}
	chatSrv := httptest.NewServer(chat)
	t.Cleanup(chatSrv.Close)

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.AuthVerifyURL = authSrv.URL
	cfg.ChatAPIURL = chatSrv.URL
	cfg.UpstreamTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	log := zaptest.NewLogger(t)
	store := presence.NewRedisStore(rdb)
	srv, err := server.New(*cfg, server.Deps{
		Presence: store,
		Verifier: auth.NewHTTPVerifier(cfg.AuthVerifyURL, authSrv.Client(), log),
		Chat:     chatapi.New(cfg.ChatAPIURL, chatSrv.Client(), log),
		Health:   store,
	}, log)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Registry().Shutdown(time.Second)
	})

	return &Env{Redis: mr, Store: store, Chat: chat, Server: srv, HTTP: ts}
}

// WSURL returns the socket URL of path.
func (e *Env) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(e.HTTP.URL, "http") + path
}

// ConnectWebSocket dials url with the allowed origin.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url sending origin, or no Origin header
// when origin is empty.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Frame is a decoded server frame.
type Frame struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ErrorData decodes the data of an error frame.
func (f Frame) ErrorData(t *testing.T) protocol.ErrorData {
	t.Helper()
	require.Equal(t, protocol.TypeError, f.Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	return data
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}

// Client is a test socket.
type Client struct {
	t    *testing.T
	Conn *websocket.Conn
}

// Dial connects to path on e and closes the socket at the end of the test.
func (e *Env) Dial(t *testing.T, path string) *Client {
	t.Helper()
	conn, err := ConnectWebSocket(e.WSURL(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &Client{t: t, Conn: conn}
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.WriteJSON(v))
}

// Read returns the next frame, failing the test after timeout.
func (c *Client) Read(timeout time.Duration) Frame {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(timeout)))
	var f Frame
	_, raw, err := c.Conn.ReadMessage()
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal(raw, &f))
	return f
}

// Expect reads the next frame and checks its type.
func (c *Client) Expect(typ string) Frame {
	c.t.Helper()
	f := c.Read(2 * time.Second)
	require.Equal(c.t, typ, f.Type, "unexpected frame %s", string(f.Data))
	return f
}

// ExpectNone fails if a frame arrives within wait.
func (c *Client) ExpectNone(wait time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(wait)))
	_, raw, err := c.Conn.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", string(raw))
	var netErr interface{ Timeout() bool }
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected a read timeout, got %v", err)
}

// ExpectClose reads until the server closes the socket and returns the close code.
func (c *Client) ExpectClose() (int, string) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.Conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(c.t, errors.As(err, &ce), "expected a close frame, got %v", err)
		return ce.Code, ce.Text
	}
}

// Register binds a chat socket to chat as user and waits for the ack.
func (c *Client) Register(user, chat protocol.ID) {
	c.t.Helper()
	c.Send(map[string]any{"type": protocol.TypeRegister, "token": Token(user), "chat_id": chat})
	c.Expect(protocol.TypeRegistered)
}

// StatusRegister binds a presence socket and returns the bootstrap statuses.
func (c *Client) StatusRegister(user protocol.ID, contacts ...protocol.ID) []protocol.ContactStatus {
	c.t.Helper()
	c.Send(map[string]any{
		"type": protocol.TypeStatusRegister,
		"data": map[string]any{"token": Token(user), "contacts": contacts},
	})
	c.Expect(protocol.TypeStatusRegistered)
	f := c.Expect(protocol.TypeStatusUpdate)
	var update protocol.StatusUpdate
	f.Decode(c.t, &update)
	return update.Contacts
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

// WaitOnline blocks until user has an online record.
func (e *Env) WaitOnline(t *testing.T, user protocol.ID, want bool) {
	t.Helper()
	Eventually(t, func() bool {
		online, err := e.Store.IsOnline(context.Background(), user)
		return err == nil && online == want
	}, "presence state of "+user.String())
}
