// Package client holds the client side of the relay protocol: chat and
// presence sockets, and the composer that encrypts and addresses messages
// and their files.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	frameBuffer = 64
)

// ErrClosed is returned once the socket has been closed.
var ErrClosed = errors.New("client: connection closed")

// Frame is a frame received from the server.
type Frame struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", errs.ErrMalformed, f.Type, err)
	}
	return nil
}

// ServerError is an error frame turned into a Go error.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Is lets callers test server errors against the package sentinels.
func (e *ServerError) Is(target error) bool {
	switch e.Code {
	case protocol.CodeUnauthorized:
		return target == errs.ErrUnauthorized
	case protocol.CodeUpstream:
		return target == errs.ErrUpstream
	case protocol.CodeNotRegistered:
		return target == errs.ErrNotRegistered
	case protocol.CodeBadRequest, protocol.CodeUnknownType:
		return target == errs.ErrMalformed
	}
	return false
}

// Err returns the error carried by an error frame, or nil.
func (f Frame) Err() error {
	if f.Type != protocol.TypeError {
		return nil
	}
	var data protocol.ErrorData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.Code == "" {
		return &ServerError{Code: protocol.CodeInternal, Message: f.Message}
	}
	return &ServerError{Code: data.Code, Message: data.Message}
}

// Dial opens a socket to url announcing origin, which the server checks.
func Dial(ctx context.Context, url, origin string) (*websocket.Conn, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return ws, nil
}

// conn reads frames in the background and serializes writes.
type conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}
	quit    chan struct{}
	err     error

	pendingMu sync.Mutex
	pending   []Frame

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log *zap.Logger) *conn {
	if log == nil {
		log = zap.NewNop()
	}
	c := &conn{
		ws:     ws,
		log:    log,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		select {
		case c.frames <- f:
		case <-c.quit:
			return
		}
	}
}

func (c *conn) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Next returns the next frame from the server. Frames skipped while waiting
// for a specific reply are returned first.
func (c *conn) Next(ctx context.Context) (Frame, error) {
	c.pendingMu.Lock()
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		return f, nil
	}
	c.pendingMu.Unlock()
	return c.receive(ctx)
}

func (c *conn) receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		// drain what arrived before the close
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// await returns the first frame of type typ, or the first error frame.
// Other frames are kept for Next.
func (c *conn) await(ctx context.Context, typ string) (Frame, error) {
	return c.awaitMatch(ctx, typ, nil)
}

// awaitMatch is await restricted to frames accepted by match.
func (c *conn) awaitMatch(ctx context.Context, typ string, match func(Frame) bool) (Frame, error) {
	for {
		f, err := c.receive(ctx)
		if err != nil {
			return Frame{}, err
		}
		if err := f.Err(); err != nil {
			return Frame{}, err
		}
		if f.Type == typ && (match == nil || match(f)) {
			return f, nil
		}
		c.pendingMu.Lock()
		c.pending = append(c.pending, f)
		c.pendingMu.Unlock()
	}
}

func (c *conn) closedErr() error {
	var ce *websocket.CloseError
	if errors.As(c.err, &ce) {
		return fmt.Errorf("%w: %d %s", ErrClosed, ce.Code, ce.Text)
	}
	return ErrClosed
}

// Close sends a normal close frame and releases the socket.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		close(c.quit)
		err = c.ws.Close()
		<-c.done
	})
	return err
}

// CloseCode waits for the socket to end and returns the server's close code,
// or zero when the socket ended without one.
func (c *conn) CloseCode(ctx context.Context) (int, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	var ce *websocket.CloseError
	if errors.As(c.err, &ce) {
		return ce.Code, nil
	}
	return 0, nil
}
