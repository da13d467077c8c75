package router

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidlink/crypto"
	"voidlink/storage"
)

var (
	// ErrNotAMember indicates a send to a room the sender has not joined.
	ErrNotAMember = errors.New("router: not a room member")
	// ErrRoomNotFound indicates an unknown room ID.
	ErrRoomNotFound = errors.New("router: room not found")
	// ErrUnknownRecipient indicates a private message to a username with
	// no account.
	ErrUnknownRecipient = errors.New("router: unknown recipient")
	// ErrRoomExists indicates a room name collision on create.
	ErrRoomExists = errors.New("router: room already exists")
)

// Delivery contexts.
const (
	ContextGlobal  = "global"
	ContextRoom    = "room"
	ContextPrivate = "private"
)

// Delivery is one message as pushed to a subscriber.
type Delivery struct {
	MessageID string `json:"message_id"`
	Context   string `json:"context"`
	RoomID    string `json:"room_id,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	username string
	connID   string
	queue    chan Delivery
	kick     func()
	closed   bool
}

// Router fans messages out to live subscribers and appends every
// message to encrypted history first. A single send lock keeps the
// append and fan-out atomic, so all subscribers observe the same order.
type Router struct {
	store     *storage.Store
	serverKey []byte
	queueSize int

	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscriber
}

// New builds a Router. serverKey seals history entries at rest.
func New(store *storage.Store, serverKey []byte, queueSize int) *Router {
	return &Router{
		store:     store,
		serverKey: serverKey,
		queueSize: queueSize,
		subs:      make(map[string]*subscriber),
	}
}

// Subscribe registers a connection for message delivery. The returned
// channel has a bounded queue; if the consumer falls so far behind that
// the queue fills, the kick callback fires and the subscription is
// dropped rather than blocking every other delivery.
func (r *Router) Subscribe(username, connID string, kick func()) <-chan Delivery {
	sub := &subscriber{
		username: username,
		connID:   connID,
		queue:    make(chan Delivery, r.queueSize),
		kick:     kick,
	}

	r.mu.Lock()
	if previous, ok := r.subs[connID]; ok && !previous.closed {
		previous.closed = true
		close(previous.queue)
	}
	r.subs[connID] = sub
	r.mu.Unlock()

	return sub.queue
}

// Unsubscribe removes a connection's subscription. Safe to call twice.
func (r *Router) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[connID]; ok {
		delete(r.subs, connID)
		if !sub.closed {
			sub.closed = true
			close(sub.queue)
		}
	}
}

// SendGlobal routes a message to every connected user and appends it to
// the global history.
func (r *Router) SendGlobal(sender, text string) (*Delivery, error) {
	delivery := r.newDelivery(ContextGlobal, sender, "", "", text)
	return r.commit(delivery, func(sub *subscriber) bool { return true })
}

// SendRoom routes a message to every member of roomID. The sender must
// be a member.
func (r *Router) SendRoom(sender, roomID, text string) (*Delivery, error) {
	if _, err := r.store.GetRoom(roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	member, err := r.store.IsRoomMember(roomID, sender)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotAMember
	}

	members, err := r.store.ListRoomMembers(roomID)
	if err != nil {
		return nil, err
	}
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	delivery := r.newDelivery(ContextRoom, sender, roomID, "", text)
	return r.commit(delivery, func(sub *subscriber) bool { return memberSet[sub.username] })
}

// SendPrivate routes a message to one recipient. The recipient must
// have an account; delivery happens only if they are connected, but the
// message lands in history either way.
func (r *Router) SendPrivate(sender, recipient, text string) (*Delivery, error) {
	if _, err := r.store.GetAccount(recipient); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownRecipient
		}
		return nil, err
	}

	delivery := r.newDelivery(ContextPrivate, sender, "", recipient, text)
	return r.commit(delivery, func(sub *subscriber) bool {
		return sub.username == recipient || sub.username == sender
	})
}

// ParseDirected splits a "@user message" string into its recipient and
// body. ok is false when text is not a directed message.
func ParseDirected(text string) (recipient, body string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	rest := text[1:]
	idx := strings.IndexByte(rest, ' ')
	if idx <= 0 {
		return "", "", false
	}
	body = strings.TrimSpace(rest[idx+1:])
	if body == "" {
		return "", "", false
	}
	return rest[:idx], body, true
}

// commit appends the delivery to durable history and then fans it out.
// The send lock makes append-then-deliver atomic with respect to other
// sends. The subscriber lock is held across the non-blocking queue
// sends: queues are only closed under the same lock, so a concurrent
// Unsubscribe can never close a queue mid-send. Kick callbacks run
// after the lock is released because they re-enter Unsubscribe.
func (r *Router) commit(delivery Delivery, wants func(*subscriber) bool) (*Delivery, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if err := r.appendHistory(delivery); err != nil {
		return nil, err
	}

	var kicks []func()
	r.mu.Lock()
	for _, sub := range r.subs {
		if sub.closed || !wants(sub) {
			continue
		}
		select {
		case sub.queue <- delivery:
		default:
			logrus.WithFields(logrus.Fields{
				"username": sub.username,
				"conn_id":  sub.connID,
			}).Warn("subscriber queue full, dropping connection")
			delete(r.subs, sub.connID)
			sub.closed = true
			close(sub.queue)
			if sub.kick != nil {
				kicks = append(kicks, sub.kick)
			}
		}
	}
	r.mu.Unlock()

	for _, kick := range kicks {
		kick()
	}

	return &delivery, nil
}

func (r *Router) newDelivery(context, sender, roomID, recipient, text string) Delivery {
	return Delivery{
		MessageID: uuid.NewString(),
		Context:   context,
		RoomID:    roomID,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// appendHistory seals the message body with the server key and persists
// it, then prunes the context back to its cap.
func (r *Router) appendHistory(delivery Delivery) error {
	sealed, err := crypto.Seal(r.serverKey, []byte(delivery.Text))
	if err != nil {
		return fmt.Errorf("seal message %q: %w", delivery.MessageID, err)
	}

	err = r.store.AppendMessage(storage.Message{
		MessageID:  delivery.MessageID,
		Sender:     delivery.Sender,
		RoomID:     delivery.RoomID,
		Recipient:  delivery.Recipient,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Timestamp:  delivery.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("append message %q: %w", delivery.MessageID, err)
	}

	if delivery.Context == ContextPrivate {
		if _, err := r.store.PrunePrivateHistory(delivery.Sender, delivery.Recipient); err != nil {
			logrus.WithError(err).Warn("prune private history")
		}
	} else {
		if _, err := r.store.PruneRoomHistory(delivery.RoomID); err != nil {
			logrus.WithError(err).Warn("prune room history")
		}
	}

	return nil
}

// RoomHistory returns up to limit decrypted messages for a room context,
// oldest first. An empty roomID selects the global context.
func (r *Router) RoomHistory(roomID string, limit int) ([]Delivery, error) {
	messages, err := r.store.ListRoomMessages(roomID, limit)
	if err != nil {
		return nil, err
	}
	return r.decryptAll(messages)
}

// PrivateHistory returns up to limit decrypted messages between two
// users, oldest first.
func (r *Router) PrivateHistory(userA, userB string, limit int) ([]Delivery, error) {
	messages, err := r.store.ListPrivateMessages(userA, userB, limit)
	if err != nil {
		return nil, err
	}
	return r.decryptAll(messages)
}

func (r *Router) decryptAll(messages []storage.Message) ([]Delivery, error) {
	deliveries := make([]Delivery, 0, len(messages))
	for _, msg := range messages {
		sealed, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decode message %q: %w", msg.MessageID, err)
		}
		plaintext, err := crypto.Open(r.serverKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("open message %q: %w", msg.MessageID, err)
		}
		context := ContextGlobal
		switch {
		case msg.Recipient != "":
			context = ContextPrivate
		case msg.RoomID != "":
			context = ContextRoom
		}
		deliveries = append(deliveries, Delivery{
			MessageID: msg.MessageID,
			Context:   context,
			RoomID:    msg.RoomID,
			Sender:    msg.Sender,
			Recipient: msg.Recipient,
			Text:      string(plaintext),
			Timestamp: msg.Timestamp,
		})
	}
	return deliveries, nil
}

// CreateRoom makes a new room with the creator as its first member. The
// room ID is a slug of the name; a collision gets a short random
// suffix.
func (r *Router) CreateRoom(creator, name, description string) (*storage.Room, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("room name must not be empty")
	}

	roomID := slugify(name)
	room := storage.Room{
		RoomID:      roomID,
		Name:        name,
		Description: description,
		CreatedBy:   creator,
	}
	err := r.store.CreateRoom(room)
	if errors.Is(err, storage.ErrAlreadyExists) {
		room.RoomID = roomID + "-" + uuid.NewString()[:8]
		err = r.store.CreateRoom(room)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id": room.RoomID,
		"creator": creator,
	}).Info("room created")

	created, err := r.store.GetRoom(room.RoomID)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// JoinRoom adds a user to a room. Joining twice is a no-op.
func (r *Router) JoinRoom(username, roomID string) error {
	err := r.store.AddRoomMember(roomID, username)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRoomNotFound
	}
	return err
}

// ListRooms returns every room with its member count.
func (r *Router) ListRooms() ([]storage.RoomSummary, error) {
	return r.store.ListRooms()
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, ch := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
