package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateAccount(t *testing.T, store *Store, username string) {
	t.Helper()

	err := store.CreateAccount(Account{
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         RoleUser,
	})
	if err != nil {
		t.Fatalf("create account %q: %v", username, err)
	}
}

func mustCreateRoom(t *testing.T, store *Store, roomID, creator string) {
	t.Helper()

	err := store.CreateRoom(Room{
		RoomID:    roomID,
		Name:      roomID,
		CreatedBy: creator,
	})
	if err != nil {
		t.Fatalf("create room %q: %v", roomID, err)
	}
}
