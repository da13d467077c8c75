package router

import (
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink/storage"
)

func newTestRouter(t *testing.T, queueSize int) (*Router, *storage.Store) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	return New(store, key, queueSize), store
}

func mustAccount(t *testing.T, store *storage.Store, username string) {
	t.Helper()
	require.NoError(t, store.CreateAccount(storage.Account{
		Username:     username,
		PasswordHash: "hash",
		Role:         storage.RoleUser,
	}))
}

func TestSendGlobalFansOutToEveryone(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")

	aliceQ := r.Subscribe("alice", "conn-a", nil)
	bobQ := r.Subscribe("bob", "conn-b", nil)

	delivery, err := r.SendGlobal("alice", "hello everyone")
	require.NoError(t, err)
	assert.Equal(t, ContextGlobal, delivery.Context)

	got := <-aliceQ
	assert.Equal(t, "hello everyone", got.Text)
	got = <-bobQ
	assert.Equal(t, "alice", got.Sender)
}

func TestSendRoomRequiresMembership(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")
	mustAccount(t, store, "carol")

	_, err := r.CreateRoom("alice", "Dev Talk", "development chat")
	require.NoError(t, err)
	require.NoError(t, r.JoinRoom("bob", "dev-talk"))

	aliceQ := r.Subscribe("alice", "conn-a", nil)
	bobQ := r.Subscribe("bob", "conn-b", nil)
	carolQ := r.Subscribe("carol", "conn-c", nil)

	// Non-members cannot send.
	_, err = r.SendRoom("carol", "dev-talk", "let me in")
	assert.ErrorIs(t, err, ErrNotAMember)

	_, err = r.SendRoom("alice", "no-such-room", "hello")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	delivery, err := r.SendRoom("alice", "dev-talk", "standup in five")
	require.NoError(t, err)
	assert.Equal(t, ContextRoom, delivery.Context)
	assert.Equal(t, "dev-talk", delivery.RoomID)

	got := <-aliceQ
	assert.Equal(t, "standup in five", got.Text)
	got = <-bobQ
	assert.Equal(t, "standup in five", got.Text)

	select {
	case unexpected := <-carolQ:
		t.Fatalf("carol must not receive room traffic, got %q", unexpected.Text)
	default:
	}
}

func TestSendPrivateReachesOnlyThePair(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")
	mustAccount(t, store, "carol")

	aliceQ := r.Subscribe("alice", "conn-a", nil)
	bobQ := r.Subscribe("bob", "conn-b", nil)
	carolQ := r.Subscribe("carol", "conn-c", nil)

	delivery, err := r.SendPrivate("alice", "bob", "just between us")
	require.NoError(t, err)
	assert.Equal(t, ContextPrivate, delivery.Context)
	assert.Equal(t, "bob", delivery.Recipient)

	got := <-bobQ
	assert.Equal(t, "just between us", got.Text)
	// The sender sees their own private message too.
	got = <-aliceQ
	assert.Equal(t, "just between us", got.Text)

	select {
	case unexpected := <-carolQ:
		t.Fatalf("carol must not receive private traffic, got %q", unexpected.Text)
	default:
	}

	_, err = r.SendPrivate("alice", "nobody", "hello?")
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestParseDirected(t *testing.T) {
	tests := []struct {
		text      string
		recipient string
		body      string
		ok        bool
	}{
		{text: "@bob hello there", recipient: "bob", body: "hello there", ok: true},
		{text: "@bob   padded", recipient: "bob", body: "padded", ok: true},
		{text: "plain message", ok: false},
		{text: "@bob", ok: false},
		{text: "@ leading space", ok: false},
		{text: "@bob ", ok: false},
	}

	for _, tt := range tests {
		recipient, body, ok := ParseDirected(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		if tt.ok {
			assert.Equal(t, tt.recipient, recipient, tt.text)
			assert.Equal(t, tt.body, body, tt.text)
		}
	}
}

func TestHistoryIsSealedAtRestAndReadable(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")

	_, err := r.SendGlobal("alice", "first")
	require.NoError(t, err)
	_, err = r.SendGlobal("bob", "second")
	require.NoError(t, err)
	_, err = r.SendPrivate("alice", "bob", "psst")
	require.NoError(t, err)

	// Rows on disk never contain the plaintext.
	raw, err := store.ListRoomMessages("", 10)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	for _, msg := range raw {
		assert.NotContains(t, msg.Ciphertext, "first")
		assert.NotContains(t, msg.Ciphertext, "second")
	}

	history, err := r.RoomHistory("", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)

	private, err := r.PrivateHistory("bob", "alice", 10)
	require.NoError(t, err)
	require.Len(t, private, 1)
	assert.Equal(t, "psst", private[0].Text)
	assert.Equal(t, ContextPrivate, private[0].Context)
}

func TestHistoryAppendedEvenWhenRecipientOffline(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")

	// Nobody is subscribed.
	_, err := r.SendPrivate("alice", "bob", "read this later")
	require.NoError(t, err)

	history, err := r.PrivateHistory("alice", "bob", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "read this later", history[0].Text)
}

func TestSlowConsumerIsKicked(t *testing.T) {
	r, store := newTestRouter(t, 2)
	mustAccount(t, store, "alice")
	mustAccount(t, store, "bob")

	kicked := false
	bobQ := r.Subscribe("bob", "conn-b", func() { kicked = true })
	aliceQ := r.Subscribe("alice", "conn-a", nil)

	// Bob never drains; his queue holds 2 before overflow. Alice drains
	// as messages arrive.
	for i := 0; i < 3; i++ {
		_, err := r.SendGlobal("alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		<-aliceQ
	}

	assert.True(t, kicked, "bob should be kicked on overflow")

	// Bob's queue is closed after the kick.
	<-bobQ
	<-bobQ
	_, open := <-bobQ
	assert.False(t, open, "kicked subscriber queue should be closed")

	// Delivery to the remaining subscriber is unaffected.
	_, err := r.SendGlobal("alice", "after the kick")
	require.NoError(t, err)
	got := <-aliceQ
	assert.Equal(t, "after the kick", got.Text)
}

func TestFanOutSurvivesConcurrentUnsubscribe(t *testing.T) {
	r, store := newTestRouter(t, 2)
	mustAccount(t, store, "alice")

	// Connections churn while fan-out is in flight. A queue closed
	// between snapshot and send would panic the sender.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			for {
				select {
				case <-stop:
					return
				default:
				}
				q := r.Subscribe("alice", connID, nil)
				go func() {
					for range q {
					}
				}()
				r.Unsubscribe(connID)
			}
		}(i)
	}

	for i := 0; i < 200; i++ {
		_, err := r.SendGlobal("alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
}

func TestCreateRoomSlugsAndCollisions(t *testing.T) {
	r, store := newTestRouter(t, 8)
	mustAccount(t, store, "alice")

	room, err := r.CreateRoom("alice", "Dev Talk!", "first")
	require.NoError(t, err)
	assert.Equal(t, "dev-talk", room.RoomID)

	// Same name gets a distinct ID rather than an error.
	second, err := r.CreateRoom("alice", "Dev Talk!", "second")
	require.NoError(t, err)
	assert.NotEqual(t, room.RoomID, second.RoomID)
	assert.Contains(t, second.RoomID, "dev-talk-")

	rooms, err := r.ListRooms()
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	assert.ErrorIs(t, r.JoinRoom("alice", "missing"), ErrRoomNotFound)
}
