package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voidlink/storage"
)

var (
	// ErrInvalidCredentials indicates an unknown username or wrong password.
	// The two cases are deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountLocked indicates the account is inside its lockout window.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrUserExists indicates a registration collision.
	ErrUserExists = errors.New("auth: user already exists")
)

// AccountStore wraps the persistent account table with the brute-force
// lockout policy. All verification goes through VerifyCredentials.
type AccountStore struct {
	store            *storage.Store
	lockoutThreshold int
	lockoutWindow    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountStore builds an AccountStore over the given storage layer.
func NewAccountStore(store *storage.Store, lockoutThreshold int, lockoutWindow time.Duration) *AccountStore {
	return &AccountStore{
		store:            store,
		lockoutThreshold: lockoutThreshold,
		lockoutWindow:    lockoutWindow,
		locks:            make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-username mutex, creating it on first use.
// Serializing per username keeps the read-modify-write of the failure
// counter atomic without blocking unrelated logins.
func (a *AccountStore) userLock(username string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[username]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[username] = lock
	}
	return lock
}

// Register creates a new account with the default user role.
func (a *AccountStore) Register(username, password string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	err = a.store.CreateAccount(storage.Account{
		Username:     username,
		PasswordHash: hash,
		Role:         storage.RoleUser,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("register %q: %w", username, err)
	}

	logrus.WithField("username", username).Info("account registered")
	return nil
}

// VerifyCredentials checks a username/password pair against the lockout
// policy. The order is fixed: an account inside its lockout window fails
// with ErrAccountLocked even when the password is correct, and the
// attempt does not change the failure counter. A wrong password outside
// the window increments the counter and starts a lockout once the
// threshold is reached. Only a successful login resets the counter.
func (a *AccountStore) VerifyCredentials(username, password string) (*storage.Account, error) {
	lock := a.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	account, err := a.store.GetAccount(username)
	if errors.Is(err, storage.ErrNotFound) {
		// Burn a hash comparison anyway so unknown usernames take the
		// same time as wrong passwords.
		VerifyPassword("$2a$12$0000000000000000000000uFz7ZBOdu1nPv3mN6hN2kS0PdrnOKW6", password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load account %q: %w", username, err)
	}

	now := time.Now()
	if account.LockedUntil != nil && now.UnixMilli() < *account.LockedUntil {
		logrus.WithFields(logrus.Fields{
			"username":     username,
			"locked_until": time.UnixMilli(*account.LockedUntil).Format(time.RFC3339),
		}).Warn("login rejected, account locked")
		return nil, ErrAccountLocked
	}

	if !VerifyPassword(account.PasswordHash, password) {
		failures := account.FailedAttempts + 1
		var lockedUntil *int64
		if failures >= a.lockoutThreshold {
			until := now.Add(a.lockoutWindow).UnixMilli()
			lockedUntil = &until
			logrus.WithFields(logrus.Fields{
				"username": username,
				"failures": failures,
			}).Warn("account locked after repeated failures")
			details, _ := json.Marshal(map[string]any{
				"failures":     failures,
				"locked_until": until,
			})
			if eventErr := a.store.LogSecurityEvent(storage.SecurityEvent{
				EventType: "account_locked",
				Username:  &username,
				Details:   string(details),
				Severity:  storage.SecuritySeverityWarning,
			}); eventErr != nil {
				logrus.WithError(eventErr).Error("record account lockout event")
			}
		}
		if updateErr := a.store.UpdateLoginState(username, failures, lockedUntil, nil); updateErr != nil {
			return nil, fmt.Errorf("record failed login for %q: %w", username, updateErr)
		}
		return nil, ErrInvalidCredentials
	}

	lastLogin := now.UnixMilli()
	if err := a.store.UpdateLoginState(username, 0, nil, &lastLogin); err != nil {
		return nil, fmt.Errorf("record successful login for %q: %w", username, err)
	}
	account.FailedAttempts = 0
	account.LockedUntil = nil
	account.LastLogin = &lastLogin

	return account, nil
}

// RegisterDevice associates a device identifier with an account.
func (a *AccountStore) RegisterDevice(username, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	return a.store.RegisterDevice(username, deviceID)
}
