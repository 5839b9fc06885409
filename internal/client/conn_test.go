package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/cipherchat/internal/client"
	"github.com/Tyrowin/cipherchat/internal/envelope"
	"github.com/Tyrowin/cipherchat/internal/errs"
	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/test/testhelpers"
)

func dialChat(t *testing.T, env *testhelpers.Env) *client.ChatConn {
	t.Helper()
	ws, err := client.Dial(context.Background(), env.WSURL("/message-service"), testhelpers.TestOrigin)
	require.NoError(t, err)
	c := client.NewChatConn(ws, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialPresence(t *testing.T, env *testhelpers.Env) *client.PresenceConn {
	t.Helper()
	ws, err := client.Dial(context.Background(), env.WSURL("/online-service"), testhelpers.TestOrigin)
	require.NoError(t, err)
	c := client.NewPresenceConn(ws, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialRejectedOrigin(t *testing.T) {
	env := testhelpers.NewEnv(t)
	_, err := client.Dial(context.Background(), env.WSURL("/message-service"), "http://evil.example")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestChatConnRoundTrip(t *testing.T) {
	env := testhelpers.NewEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alicePriv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	bobPriv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	recipients := []envelope.Recipient{
		{ID: 1, PublicKey: alicePriv.PublicKey()},
		{ID: 2, PublicKey: bobPriv.PublicKey()},
	}

	alice := dialChat(t, env)
	bob := dialChat(t, env)

	err = alice.Register(ctx, "forged", 7)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.NoError(t, alice.Register(ctx, testhelpers.Token(1), 7))
	require.NoError(t, bob.Register(ctx, testhelpers.Token(2), 7))
	assert.Equal(t, protocol.ID(7), alice.ChatID())

	composer := client.NewComposer(nil, zaptest.NewLogger(t))
	draft, _, err := composer.Compose(ctx, client.Draft{ChatID: 7, Text: "over the wire", Recipients: recipients})
	require.NoError(t, err)

	sent, err := alice.Send(ctx, draft)
	require.NoError(t, err)
	assert.NotZero(t, sent.ID)
	assert.Equal(t, protocol.ID(1), sent.SenderID)

	f, err := bob.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeNewMessage, f.Type)
	var received protocol.MessageData
	require.NoError(t, f.Decode(&received))
	opened, err := client.Open(received, 2, bobPriv)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", opened.Text)

	edit, err := composer.Edit(received, 2, bobPriv, "edited", recipients)
	require.NoError(t, err)
	edited, err := bob.Edit(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(2), edited.SenderID)

	require.NoError(t, alice.Delete(ctx, sent.ID))

	// the edit broadcast that arrived while alice waited for the delete
	f, err = alice.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMessageEdited, f.Type)
}

func TestChatConnServerErrors(t *testing.T) {
	env := testhelpers.NewEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialChat(t, env)
	_, err := c.Send(ctx, protocol.MessageData{Ciphertext: "x", Nonce: "y"})
	var se *client.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.CodeNotRegistered, se.Code)
	assert.ErrorIs(t, err, errs.ErrNotRegistered)
}

func TestPresenceConn(t *testing.T) {
	env := testhelpers.NewEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialPresence(t, env)
	statuses, err := alice.Register(ctx, testhelpers.Token(1), protocol.IDs{2})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, protocol.StatusOffline, statuses[0].Status)

	bob := dialPresence(t, env)
	statuses, err = bob.Register(ctx, testhelpers.Token(2), protocol.IDs{1})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, statuses[0].Status)

	change, err := alice.NextChange(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(2), change.UserID)
	assert.Equal(t, protocol.StatusOnline, change.Status)

	require.NoError(t, bob.Close())
	change, err = alice.NextChange(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, change.Status)
	assert.NotNil(t, change.LastSeen)
}

func TestPresenceConnRejectedToken(t *testing.T) {
	env := testhelpers.NewEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialPresence(t, env)
	_, err := c.Register(ctx, "forged", nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	code, err := c.CloseCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}
