package storage

import (
	"errors"
	"testing"
)

func TestAccountLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateAccount(Account{
		Username:     "alice",
		PasswordHash: "hash-alice",
		Role:         RoleUser,
	}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err := store.CreateAccount(Account{
		Username:     "alice",
		PasswordHash: "other",
		Role:         RoleUser,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	account, err := store.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.PasswordHash != "hash-alice" {
		t.Fatalf("password hash: got %q", account.PasswordHash)
	}
	if account.Role != RoleUser {
		t.Fatalf("role: got %q", account.Role)
	}
	if account.FailedAttempts != 0 {
		t.Fatalf("failed attempts: got %d, want 0", account.FailedAttempts)
	}
	if account.LockedUntil != nil {
		t.Fatalf("locked_until: got %v, want nil", *account.LockedUntil)
	}
	if len(account.DeviceIDs) != 0 {
		t.Fatalf("device ids: got %v, want empty", account.DeviceIDs)
	}

	if _, err := store.GetAccount("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown account: got %v, want ErrNotFound", err)
	}
}

func TestAccountInvalidRole(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateAccount(Account{
		Username:     "bob",
		PasswordHash: "hash",
		Role:         "superuser",
	})
	if err == nil {
		t.Fatal("expected invalid role error")
	}
}

func TestUpdateLoginState(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")

	lockedUntil := nowUnixMilli() + 60_000
	if err := store.UpdateLoginState("alice", 5, &lockedUntil, nil); err != nil {
		t.Fatalf("UpdateLoginState failed: %v", err)
	}

	account, err := store.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.FailedAttempts != 5 {
		t.Fatalf("failed attempts: got %d, want 5", account.FailedAttempts)
	}
	if account.LockedUntil == nil || *account.LockedUntil != lockedUntil {
		t.Fatalf("locked_until: got %v, want %d", account.LockedUntil, lockedUntil)
	}
	if account.LastLogin != nil {
		t.Fatalf("last_login should stay nil, got %v", *account.LastLogin)
	}

	lastLogin := nowUnixMilli()
	if err := store.UpdateLoginState("alice", 0, nil, &lastLogin); err != nil {
		t.Fatalf("UpdateLoginState reset failed: %v", err)
	}

	account, err = store.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.FailedAttempts != 0 {
		t.Fatalf("failed attempts after reset: got %d", account.FailedAttempts)
	}
	if account.LockedUntil != nil {
		t.Fatalf("locked_until after reset: got %v", *account.LockedUntil)
	}
	if account.LastLogin == nil || *account.LastLogin != lastLogin {
		t.Fatalf("last_login: got %v, want %d", account.LastLogin, lastLogin)
	}

	// Passing nil last_login keeps the existing value.
	if err := store.UpdateLoginState("alice", 1, nil, nil); err != nil {
		t.Fatalf("UpdateLoginState failure bump failed: %v", err)
	}
	account, err = store.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.LastLogin == nil || *account.LastLogin != lastLogin {
		t.Fatalf("last_login after failure bump: got %v, want %d", account.LastLogin, lastLogin)
	}

	if err := store.UpdateLoginState("nobody", 1, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown account update: got %v, want ErrNotFound", err)
	}
}

func TestRegisterDevice(t *testing.T) {
	store := newTestStore(t)
	mustCreateAccount(t, store, "alice")

	if err := store.RegisterDevice("alice", "laptop"); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := store.RegisterDevice("alice", "phone"); err != nil {
		t.Fatalf("RegisterDevice second failed: %v", err)
	}
	// Registering a known device is a no-op.
	if err := store.RegisterDevice("alice", "laptop"); err != nil {
		t.Fatalf("RegisterDevice repeat failed: %v", err)
	}

	account, err := store.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if len(account.DeviceIDs) != 2 {
		t.Fatalf("device ids: got %v, want 2 entries", account.DeviceIDs)
	}
}

func TestEnsureDefaultAdmin(t *testing.T) {
	store := newTestStore(t)

	seeded, err := store.EnsureDefaultAdmin("admin-hash")
	if err != nil {
		t.Fatalf("EnsureDefaultAdmin failed: %v", err)
	}
	if !seeded {
		t.Fatal("expected admin to be seeded on empty database")
	}

	admin, err := store.GetAccount("admin")
	if err != nil {
		t.Fatalf("GetAccount admin failed: %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Fatalf("admin role: got %q", admin.Role)
	}

	seeded, err = store.EnsureDefaultAdmin("other-hash")
	if err != nil {
		t.Fatalf("EnsureDefaultAdmin second run failed: %v", err)
	}
	if seeded {
		t.Fatal("admin must not be reseeded when accounts exist")
	}
}
