package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// History caps enforced by PruneRoomHistory and PrunePrivateHistory.
const (
	MaxMessagesPerRoom = 1000
	MaxPrivateMessages = 500
)

// AppendMessage inserts one history entry. RoomID and Recipient are mutually
// exclusive; both empty targets the global context.
func (s *Store) AppendMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.Sender == "" {
		return errors.New("sender is required")
	}
	if message.RoomID != "" && message.Recipient != "" {
		return errors.New("room_id and recipient are mutually exclusive")
	}
	if message.Ciphertext == "" {
		return errors.New("ciphertext is required")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (message_id, sender, room_id, recipient, ciphertext, timestamp)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`,
		message.MessageID,
		message.Sender,
		message.RoomID,
		nullIfEmpty(message.Recipient),
		message.Ciphertext,
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// ListRoomMessages returns a room's (or, with roomID == "", the global
// context's) newest messages in submission order.
func (s *Store) ListRoomMessages(roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = MaxMessagesPerRoom
	}

	rows, err := s.db.Query(
		`SELECT message_id, sender, room_id, recipient, ciphertext, timestamp
		FROM (
			SELECT * FROM messages
			WHERE room_id IS ? AND recipient IS NULL
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp, message_id`,
		nullIfEmpty(roomID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list room messages %q: %w", roomID, err)
	}
	return collectMessages(rows)
}

// ListPrivateMessages returns the newest messages between two users in
// submission order.
func (s *Store) ListPrivateMessages(userA, userB string, limit int) ([]Message, error) {
	if userA == "" || userB == "" {
		return nil, errors.New("both usernames are required")
	}
	if limit <= 0 {
		limit = MaxPrivateMessages
	}

	rows, err := s.db.Query(
		`SELECT message_id, sender, room_id, recipient, ciphertext, timestamp
		FROM (
			SELECT * FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp, message_id`,
		userA, userB, userB, userA,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list private messages %q/%q: %w", userA, userB, err)
	}
	return collectMessages(rows)
}

// PruneRoomHistory drops the oldest messages of one room (or the global
// context) beyond the per-room cap. Returns the number of pruned rows.
func (s *Store) PruneRoomHistory(roomID string) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM messages
		WHERE room_id IS ? AND recipient IS NULL AND message_id NOT IN (
			SELECT message_id FROM messages
			WHERE room_id IS ? AND recipient IS NULL
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)`,
		nullIfEmpty(roomID),
		nullIfEmpty(roomID),
		MaxMessagesPerRoom,
	)
	if err != nil {
		return 0, fmt.Errorf("prune room history %q: %w", roomID, err)
	}
	return res.RowsAffected()
}

// PrunePrivateHistory drops the oldest messages of one user pair beyond the
// private cap. Returns the number of pruned rows.
func (s *Store) PrunePrivateHistory(userA, userB string) (int64, error) {
	if userA == "" || userB == "" {
		return 0, errors.New("both usernames are required")
	}

	res, err := s.db.Exec(
		`DELETE FROM messages
		WHERE ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
		AND message_id NOT IN (
			SELECT message_id FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)`,
		userA, userB, userB, userA,
		userA, userB, userB, userA,
		MaxPrivateMessages,
	)
	if err != nil {
		return 0, fmt.Errorf("prune private history %q/%q: %w", userA, userB, err)
	}
	return res.RowsAffected()
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message   Message
		roomID    *string
		recipient *string
	)

	if err := row.Scan(
		&message.MessageID,
		&message.Sender,
		&roomID,
		&recipient,
		&message.Ciphertext,
		&message.Timestamp,
	); err != nil {
		return nil, err
	}

	if roomID != nil {
		message.RoomID = *roomID
	}
	if recipient != nil {
		message.Recipient = *recipient
	}

	return &message, nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
