package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateRoom inserts a new room row and adds the creator as its first member.
func (s *Store) CreateRoom(room Room) error {
	if room.RoomID == "" {
		return errors.New("room_id is required")
	}
	if room.Name == "" {
		return errors.New("name is required")
	}
	if room.CreatedBy == "" {
		return errors.New("created_by is required")
	}
	if room.CreatedAt == 0 {
		room.CreatedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create room transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT INTO rooms (room_id, name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		room.RoomID,
		room.Name,
		room.Description,
		room.CreatedBy,
		room.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: rooms.room_id") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert room %q: %w", room.RoomID, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO room_members (room_id, username, joined_at) VALUES (?, ?, ?)`,
		room.RoomID,
		room.CreatedBy,
		room.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert creator membership %q: %w", room.RoomID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create room transaction: %w", err)
	}

	return nil
}

// GetRoom fetches one room by ID.
func (s *Store) GetRoom(roomID string) (*Room, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}

	row := s.db.QueryRow(
		`SELECT room_id, name, description, created_by, created_at
		FROM rooms
		WHERE room_id = ?`,
		roomID,
	)

	var room Room
	if err := row.Scan(&room.RoomID, &room.Name, &room.Description, &room.CreatedBy, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %q: %w", roomID, err)
	}

	return &room, nil
}

// ListRooms returns all rooms with member counts, oldest first.
func (s *Store) ListRooms() ([]RoomSummary, error) {
	rows, err := s.db.Query(
		`SELECT r.room_id, r.name, r.description, r.created_by, r.created_at,
			(SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.room_id)
		FROM rooms r
		ORDER BY r.created_at, r.room_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	summaries := make([]RoomSummary, 0)
	for rows.Next() {
		var summary RoomSummary
		if err := rows.Scan(
			&summary.RoomID,
			&summary.Name,
			&summary.Description,
			&summary.CreatedBy,
			&summary.CreatedAt,
			&summary.MemberCount,
		); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room rows: %w", err)
	}

	return summaries, nil
}

// AddRoomMember adds a member to a room. Re-joining is a no-op.
func (s *Store) AddRoomMember(roomID, username string) error {
	if roomID == "" {
		return errors.New("room_id is required")
	}
	if username == "" {
		return errors.New("username is required")
	}

	if _, err := s.GetRoom(roomID); err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`INSERT INTO room_members (room_id, username, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id, username) DO NOTHING`,
		roomID,
		username,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("add member %q to room %q: %w", username, roomID, err)
	}

	return nil
}

// IsRoomMember reports whether the user is a current member of the room.
func (s *Store) IsRoomMember(roomID, username string) (bool, error) {
	if roomID == "" || username == "" {
		return false, errors.New("room_id and username are required")
	}

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM room_members WHERE room_id = ? AND username = ?`,
		roomID,
		username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check membership %q/%q: %w", roomID, username, err)
	}

	return count > 0, nil
}

// ListRoomMembers returns usernames of a room's members in join order.
func (s *Store) ListRoomMembers(roomID string) ([]string, error) {
	if roomID == "" {
		return nil, errors.New("room_id is required")
	}

	rows, err := s.db.Query(
		`SELECT username FROM room_members WHERE room_id = ? ORDER BY joined_at, username`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members of room %q: %w", roomID, err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		members = append(members, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}

	return members, nil
}

// EnsureDefaultRoom seeds the general room on a fresh database.
func (s *Store) EnsureDefaultRoom() error {
	err := s.CreateRoom(Room{
		RoomID:      "general",
		Name:        "General",
		Description: "General discussion",
		CreatedBy:   "system",
	})
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}
