package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates a unique key collision on insert.
	ErrAlreadyExists = errors.New("storage: record already exists")
)

const (
	// RoleUser is the default account role.
	RoleUser = "user"
	// RoleAdmin marks administrative accounts.
	RoleAdmin = "admin"
)

const (
	// VerdictPending means the file has not completed security screening.
	VerdictPending = "pending"
	// VerdictPass means the file passed all screening stages.
	VerdictPass = "pass"
	// VerdictReject means the file failed a screening stage.
	VerdictReject = "reject"
)

const (
	// LocationTemp is the staging area for in-flight uploads.
	LocationTemp = "temp"
	// LocationStore is the normal file store.
	LocationStore = "store"
	// LocationQuarantine is the isolated area for rejected files.
	LocationQuarantine = "quarantine"
)

const (
	// DirectionUpload marks a client-to-server transfer.
	DirectionUpload = "upload"
	// DirectionDownload marks a server-to-client transfer.
	DirectionDownload = "download"
)

const (
	// SecuritySeverityInfo marks routine audit entries.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning marks suspicious but non-fatal events.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical marks events that blocked an action.
	SecuritySeverityCritical = "critical"
)

const (
	TransferStatusPending    = "pending"
	TransferStatusInProgress = "in_progress"
	TransferStatusPaused     = "paused"
	TransferStatusCompleted  = "completed"
	TransferStatusFailed     = "failed"
)

// Account is the SQLite representation of a user account.
type Account struct {
	Username       string
	PasswordHash   string
	Role           string
	FailedAttempts int
	LockedUntil    *int64
	DeviceIDs      []string
	LastLogin      *int64
	CreatedAt      int64
}

// Room is the SQLite representation of a chat room.
type Room struct {
	RoomID      string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   int64
}

// RoomSummary is a Room plus its member count, as listed to clients.
type RoomSummary struct {
	Room
	MemberCount int
}

// Message is the SQLite representation of one history entry. RoomID and
// Recipient are mutually exclusive; both empty means the global context.
type Message struct {
	MessageID  string
	Sender     string
	RoomID     string
	Recipient  string
	Ciphertext string
	Timestamp  int64
}

// FileRecord is the SQLite representation of an uploaded file.
type FileRecord struct {
	FileID       string
	StoredName   string
	OriginalName string
	Owner        string
	DeclaredSize int64
	ContentHash  string
	Verdict      string
	ScanStage    string
	ScanReason   string
	Location     string
	CreatedAt    int64
}

// SecurityEvent is one durable audit entry: a lockout, a rejected
// upload, a quarantine. Username is nil when no account is involved.
type SecurityEvent struct {
	ID        int64
	EventType string
	Username  *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents queries. Zero values
// mean no constraint.
type SecurityEventFilter struct {
	EventType     string
	Username      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// TransferCheckpoint persists resumable transfer state across restarts.
type TransferCheckpoint struct {
	TransferID  string
	FileID      string
	Direction   string
	TotalSize   int64
	ChunkSize   int
	AckedOffset int64
	Status      string
	TempPath    string
	UpdatedAt   int64
}

func validateRole(role string) error {
	switch role {
	case RoleUser, RoleAdmin:
		return nil
	default:
		return fmt.Errorf("invalid role %q", role)
	}
}

func validateVerdict(verdict string) error {
	switch verdict {
	case VerdictPending, VerdictPass, VerdictReject:
		return nil
	default:
		return fmt.Errorf("invalid verdict %q", verdict)
	}
}

func validateLocation(location string) error {
	switch location {
	case LocationTemp, LocationStore, LocationQuarantine:
		return nil
	default:
		return fmt.Errorf("invalid location %q", location)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionUpload, DirectionDownload:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusInProgress, TransferStatusPaused,
		TransferStatusCompleted, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
