package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/test/testhelpers"
)

func sendText(c *testhelpers.Client, text string) {
	c.Send(map[string]any{"type": protocol.TypeMessage, "data": map[string]any{"ciphertext": text, "nonce": "n"}})
}

func readMessage(t *testing.T, c *testhelpers.Client) protocol.MessageData {
	t.Helper()
	var msg protocol.MessageData
	c.Expect(protocol.TypeNewMessage).Decode(t, &msg)
	return msg
}

// TestMultipleClientsBroadcast checks that every member of a room sees a
// message exactly once, including the sender.
func TestMultipleClientsBroadcast(t *testing.T) {
	env := testhelpers.NewEnv(t)

	const members = 5
	clients := make([]*testhelpers.Client, members)
	for i := range clients {
		clients[i] = env.Dial(t, "/message-service")
		clients[i].Register(protocol.ID(i+1), 7)
	}
	testhelpers.Eventually(t, func() bool { return env.Server.Registry().RoomSize(7) == members }, "room filled")

	sendText(clients[0], "hello room")
	for i, c := range clients {
		msg := readMessage(t, c)
		assert.Equal(t, "hello room", msg.Ciphertext, "client %d", i)
		assert.Equal(t, protocol.ID(1), msg.SenderID)
		assert.Equal(t, protocol.ID(7), msg.ChatID)
	}
	for _, c := range clients {
		c.ExpectNone(100 * time.Millisecond)
	}
}

// TestRoomsAreIsolated checks that frames never cross rooms.
func TestRoomsAreIsolated(t *testing.T) {
	env := testhelpers.NewEnv(t)

	a1 := env.Dial(t, "/message-service")
	a1.Register(1, 10)
	a2 := env.Dial(t, "/message-service")
	a2.Register(2, 10)
	b1 := env.Dial(t, "/message-service")
	b1.Register(3, 20)

	sendText(a1, "room ten")
	sendText(b1, "room twenty")

	assert.Equal(t, "room ten", readMessage(t, a1).Ciphertext)
	assert.Equal(t, "room ten", readMessage(t, a2).Ciphertext)
	assert.Equal(t, "room twenty", readMessage(t, b1).Ciphertext)

	a1.ExpectNone(100 * time.Millisecond)
	a2.ExpectNone(100 * time.Millisecond)
	b1.ExpectNone(100 * time.Millisecond)
}

// TestReRegisterMovesRoom checks that a second register leaves the first room.
func TestReRegisterMovesRoom(t *testing.T) {
	env := testhelpers.NewEnv(t)
	reg := env.Server.Registry()

	mover := env.Dial(t, "/message-service")
	mover.Register(1, 10)
	stayer := env.Dial(t, "/message-service")
	stayer.Register(2, 10)
	require.Equal(t, 2, reg.RoomSize(10))

	mover.Register(1, 20)
	assert.Equal(t, 1, reg.RoomSize(10))
	assert.Equal(t, 1, reg.RoomSize(20))

	sendText(stayer, "left behind")
	readMessage(t, stayer)
	mover.ExpectNone(100 * time.Millisecond)
}

// TestConcurrentSendersKeepOrder checks that every member of a room sees the
// same order while several senders write at once.
func TestConcurrentSendersKeepOrder(t *testing.T) {
	env := testhelpers.NewEnv(t)

	const (
		senders   = 4
		perSender = 5
	)
	clients := make([]*testhelpers.Client, senders)
	for i := range clients {
		clients[i] = env.Dial(t, "/message-service")
		clients[i].Register(protocol.ID(i+1), 7)
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *testhelpers.Client) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				_ = c.Conn.WriteJSON(map[string]any{
					"type": protocol.TypeMessage,
					"data": map[string]any{"ciphertext": fmt.Sprintf("%d-%d", i, n), "nonce": "n"},
				})
			}
		}(i, c)
	}
	wg.Wait()

	orders := make([][]string, senders)
	for i, c := range clients {
		for n := 0; n < senders*perSender; n++ {
			orders[i] = append(orders[i], readMessage(t, c).Ciphertext)
		}
	}
	for i := 1; i < senders; i++ {
		assert.Equal(t, orders[0], orders[i], "client %d saw a different order", i)
	}

	// each sender's own frames stay in send order
	for i := 0; i < senders; i++ {
		next := 0
		for _, text := range orders[0] {
			if text == fmt.Sprintf("%d-%d", i, next) {
				next++
			}
		}
		assert.Equal(t, perSender, next, "sender %d out of order", i)
	}
	assert.Len(t, env.Chat.Calls(), senders*perSender)
}

// TestManyRoomsConcurrently registers clients in parallel across rooms.
func TestManyRoomsConcurrently(t *testing.T) {
	env := testhelpers.NewEnv(t)

	const (
		rooms   = 5
		perRoom = 3
	)
	var wg sync.WaitGroup
	for r := 1; r <= rooms; r++ {
		for m := 0; m < perRoom; m++ {
			wg.Add(1)
			go func(room protocol.ID, user protocol.ID) {
				defer wg.Done()
				conn, err := testhelpers.ConnectWebSocket(env.WSURL("/message-service"))
				if !assert.NoError(t, err) {
					return
				}
				t.Cleanup(func() { _ = conn.Close() })
				err = conn.WriteJSON(map[string]any{"type": protocol.TypeRegister, "token": testhelpers.Token(user), "chat_id": room})
				assert.NoError(t, err)
			}(protocol.ID(r*100), protocol.ID(r*10+m))
		}
	}
	wg.Wait()

	reg := env.Server.Registry()
	testhelpers.Eventually(t, func() bool {
		for r := 1; r <= rooms; r++ {
			if reg.RoomSize(protocol.ID(r*100)) != perRoom {
				return false
			}
		}
		return true
	}, "all rooms filled")
	assert.Equal(t, rooms, reg.Stats().Rooms)
	assert.Equal(t, rooms*perRoom, reg.Stats().Connections)
}

// TestPresenceAcrossContacts checks fan-out of one status change to every
// online contact that lists the user.
func TestPresenceAcrossContacts(t *testing.T) {
	env := testhelpers.NewEnv(t)

	watchers := make([]*testhelpers.Client, 3)
	for i := range watchers {
		watchers[i] = env.Dial(t, "/online-service")
		statuses := watchers[i].StatusRegister(protocol.ID(i+2), 1)
		require.Len(t, statuses, 1)
		assert.Equal(t, protocol.StatusOffline, statuses[0].Status)
	}
	// a user who does not list 1 hears nothing
	outsider := env.Dial(t, "/online-service")
	outsider.StatusRegister(9, 2)

	subject := env.Dial(t, "/online-service")
	statuses := subject.StatusRegister(1, 2, 3, 4)
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.Equal(t, protocol.StatusOnline, st.Status)
	}

	for _, w := range watchers {
		var change protocol.ContactStatusChange
		w.Expect(protocol.TypeContactStatus).Decode(t, &change)
		assert.Equal(t, protocol.ID(1), change.UserID)
		assert.Equal(t, protocol.StatusOnline, change.Status)
	}
	outsider.ExpectNone(100 * time.Millisecond)

	require.NoError(t, subject.Conn.Close())
	for _, w := range watchers {
		var change protocol.ContactStatusChange
		w.Expect(protocol.TypeContactStatus).Decode(t, &change)
		assert.Equal(t, protocol.StatusOffline, change.Status)
		assert.NotNil(t, change.LastSeen)
	}
	env.WaitOnline(t, 1, false)
}
