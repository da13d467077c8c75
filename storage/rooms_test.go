package storage

import (
	"errors"
	"testing"
)

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")

	if err := store.CreateRoom(Room{
		RoomID:      "dev",
		Name:        "Dev",
		Description: "Development chat",
		CreatedBy:   "alice",
	}); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	err := store.CreateRoom(Room{RoomID: "dev", Name: "Dev", CreatedBy: "alice"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate room: got %v, want ErrAlreadyExists", err)
	}

	room, err := store.GetRoom("dev")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.Description != "Development chat" {
		t.Fatalf("description: got %q", room.Description)
	}

	// The creator is a member from the start.
	member, err := store.IsRoomMember("dev", "alice")
	if err != nil {
		t.Fatalf("IsRoomMember failed: %v", err)
	}
	if !member {
		t.Fatal("creator should be a member")
	}

	if _, err := store.GetRoom("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown room: got %v, want ErrNotFound", err)
	}
}

func TestRoomMembership(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")
	mustCreateAccount(t, store, "bob")
	mustCreateRoom(t, store, "dev", "alice")

	if err := store.AddRoomMember("dev", "bob"); err != nil {
		t.Fatalf("AddRoomMember failed: %v", err)
	}
	// Joining twice is a no-op.
	if err := store.AddRoomMember("dev", "bob"); err != nil {
		t.Fatalf("AddRoomMember repeat failed: %v", err)
	}
	if err := store.AddRoomMember("nope", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("join unknown room: got %v, want ErrNotFound", err)
	}

	members, err := store.ListRoomMembers("dev")
	if err != nil {
		t.Fatalf("ListRoomMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members: got %v, want alice and bob", members)
	}

	member, err := store.IsRoomMember("dev", "carol")
	if err != nil {
		t.Fatalf("IsRoomMember failed: %v", err)
	}
	if member {
		t.Fatal("carol should not be a member")
	}
}

func TestListRooms(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")
	mustCreateAccount(t, store, "bob")
	mustCreateRoom(t, store, "dev", "alice")
	mustCreateRoom(t, store, "ops", "bob")

	if err := store.AddRoomMember("dev", "bob"); err != nil {
		t.Fatalf("AddRoomMember failed: %v", err)
	}

	rooms, err := store.ListRooms()
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("rooms: got %d, want 2", len(rooms))
	}

	counts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		counts[room.RoomID] = room.MemberCount
	}
	if counts["dev"] != 2 {
		t.Fatalf("dev member count: got %d, want 2", counts["dev"])
	}
	if counts["ops"] != 1 {
		t.Fatalf("ops member count: got %d, want 1", counts["ops"])
	}
}

func TestEnsureDefaultRoom(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnsureDefaultRoom(); err != nil {
		t.Fatalf("EnsureDefaultRoom failed: %v", err)
	}
	if err := store.EnsureDefaultRoom(); err != nil {
		t.Fatalf("EnsureDefaultRoom second run failed: %v", err)
	}

	room, err := store.GetRoom("general")
	if err != nil {
		t.Fatalf("GetRoom general failed: %v", err)
	}
	if room.CreatedBy != "system" {
		t.Fatalf("created_by: got %q, want system", room.CreatedBy)
	}
}
