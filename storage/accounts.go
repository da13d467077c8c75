package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(account Account) error {
	if account.Username == "" {
		return errors.New("username is required")
	}
	if account.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if account.Role == "" {
		account.Role = RoleUser
	}
	if err := validateRole(account.Role); err != nil {
		return err
	}
	if account.CreatedAt == 0 {
		account.CreatedAt = nowUnixMilli()
	}

	deviceIDs, err := marshalDeviceIDs(account.DeviceIDs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO accounts (
			username,
			password_hash,
			role,
			failed_attempts,
			locked_until,
			device_ids,
			last_login,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.Username,
		account.PasswordHash,
		account.Role,
		account.FailedAttempts,
		nullInt64(account.LockedUntil),
		deviceIDs,
		nullInt64(account.LastLogin),
		account.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: accounts.username") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert account %q: %w", account.Username, err)
	}

	return nil
}

// GetAccount fetches one account by username.
func (s *Store) GetAccount(username string) (*Account, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}

	row := s.db.QueryRow(
		`SELECT
			username,
			password_hash,
			role,
			failed_attempts,
			locked_until,
			device_ids,
			last_login,
			created_at
		FROM accounts
		WHERE username = ?`,
		username,
	)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account %q: %w", username, err)
	}

	return account, nil
}

// UpdateLoginState writes the lockout bookkeeping columns for one account.
func (s *Store) UpdateLoginState(username string, failedAttempts int, lockedUntil, lastLogin *int64) error {
	if username == "" {
		return errors.New("username is required")
	}
	if failedAttempts < 0 {
		return errors.New("failed_attempts must be >= 0")
	}

	res, err := s.db.Exec(
		`UPDATE accounts
		SET failed_attempts = ?, locked_until = ?, last_login = COALESCE(?, last_login)
		WHERE username = ?`,
		failedAttempts,
		nullInt64(lockedUntil),
		nullInt64(lastLogin),
		username,
	)
	if err != nil {
		return fmt.Errorf("update login state %q: %w", username, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for login state %q: %w", username, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RegisterDevice appends a device identifier to the account's device set.
// Already-registered identifiers are a no-op.
func (s *Store) RegisterDevice(username, deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	account, err := s.GetAccount(username)
	if err != nil {
		return err
	}

	for _, known := range account.DeviceIDs {
		if known == deviceID {
			return nil
		}
	}

	deviceIDs, err := marshalDeviceIDs(append(account.DeviceIDs, deviceID))
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`UPDATE accounts SET device_ids = ? WHERE username = ?`,
		deviceIDs,
		username,
	); err != nil {
		return fmt.Errorf("register device for %q: %w", username, err)
	}

	return nil
}

// CountAccounts returns the number of account rows.
func (s *Store) CountAccounts() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return count, nil
}

// EnsureDefaultAdmin seeds the admin account on a fresh database. Existing
// databases are left untouched.
func (s *Store) EnsureDefaultAdmin(passwordHash string) (bool, error) {
	count, err := s.CountAccounts()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	err = s.CreateAccount(Account{
		Username:     "admin",
		PasswordHash: passwordHash,
		Role:         RoleAdmin,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanAccount(row scanner) (*Account, error) {
	var (
		account     Account
		lockedUntil sql.NullInt64
		deviceIDs   string
		lastLogin   sql.NullInt64
	)

	if err := row.Scan(
		&account.Username,
		&account.PasswordHash,
		&account.Role,
		&account.FailedAttempts,
		&lockedUntil,
		&deviceIDs,
		&lastLogin,
		&account.CreatedAt,
	); err != nil {
		return nil, err
	}

	account.LockedUntil = int64Ptr(lockedUntil)
	account.LastLogin = int64Ptr(lastLogin)
	if err := json.Unmarshal([]byte(deviceIDs), &account.DeviceIDs); err != nil {
		return nil, fmt.Errorf("parse device_ids for %q: %w", account.Username, err)
	}

	return &account, nil
}

func marshalDeviceIDs(deviceIDs []string) (string, error) {
	if deviceIDs == nil {
		deviceIDs = []string{}
	}
	raw, err := json.Marshal(deviceIDs)
	if err != nil {
		return "", fmt.Errorf("marshal device_ids: %w", err)
	}
	return string(raw), nil
}
