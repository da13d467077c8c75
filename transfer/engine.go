package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidlink/scanner"
	"voidlink/storage"
)

var (
	// ErrUnknownTransfer indicates a transfer ID with no live or
	// persisted state.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrOutOfOrderOffset indicates an upload chunk ahead of the
	// acknowledged offset, or a download offset outside the file.
	// The transfer state is unchanged.
	ErrOutOfOrderOffset = errors.New("transfer: chunk offset out of range")
	// ErrChecksumMismatch indicates chunk or whole-file integrity failure.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrTransferTerminal indicates an operation on a completed or
	// failed transfer.
	ErrTransferTerminal = errors.New("transfer: transfer already finished")
	// ErrSizeExceeded indicates a declared or actual size over the limit.
	ErrSizeExceeded = errors.New("transfer: file size exceeds limit")
	// ErrIncomplete indicates completion requested before all bytes
	// arrived.
	ErrIncomplete = errors.New("transfer: not all bytes received")
	// ErrNotOwner indicates a caller touching someone else's transfer.
	ErrNotOwner = errors.New("transfer: not the transfer owner")
	// ErrFileUnavailable indicates a download request for a file that
	// does not exist or did not pass screening.
	ErrFileUnavailable = errors.New("transfer: file not available for download")
)

// Config carries the tunables the engine needs.
type Config struct {
	MaxFileSize int64
	ChunkSize   int
	IdleTimeout time.Duration
	Retention   time.Duration
	TempDir     string
	FilesDir    string
}

// Engine owns all in-flight transfers. Each transfer carries its own
// lock so independent transfers never block each other; the engine lock
// guards only the map.
type Engine struct {
	config  Config
	store   *storage.Store
	scanner *scanner.Scanner

	mu        sync.Mutex
	transfers map[string]*transferState

	done chan struct{}
	wg   sync.WaitGroup
}

type transferState struct {
	mu sync.Mutex

	id           string
	fileID       string
	owner        string
	direction    string
	originalName string
	totalSize    int64
	chunkSize    int
	ackedOffset  int64
	status       string
	tempPath     string

	file         *os.File
	lastActivity time.Time
	finishedAt   time.Time
}

func (t *transferState) terminal() bool {
	return t.status == storage.TransferStatusCompleted || t.status == storage.TransferStatusFailed
}

// NewEngine builds the engine and restores persisted checkpoints. Any
// transfer that was in progress when the server stopped comes back
// paused and can be resumed.
func NewEngine(config Config, store *storage.Store, scan *scanner.Scanner) (*Engine, error) {
	engine := &Engine{
		config:    config,
		store:     store,
		scanner:   scan,
		transfers: make(map[string]*transferState),
		done:      make(chan struct{}),
	}
	if err := engine.restoreCheckpoints(); err != nil {
		return nil, err
	}
	engine.wg.Add(1)
	go engine.janitorLoop()
	return engine, nil
}

// Close stops the janitor and pauses every in-flight transfer so its
// checkpoint survives the shutdown.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()

	e.mu.Lock()
	states := make([]*transferState, 0, len(e.transfers))
	for _, t := range e.transfers {
		states = append(states, t)
	}
	e.mu.Unlock()

	for _, t := range states {
		t.mu.Lock()
		if !t.terminal() {
			e.pauseLocked(t)
		}
		t.mu.Unlock()
	}
}

func (e *Engine) restoreCheckpoints() error {
	checkpoints, err := e.store.ListTransferCheckpoints()
	if err != nil {
		return fmt.Errorf("restore checkpoints: %w", err)
	}
	for _, cp := range checkpoints {
		if cp.Status == storage.TransferStatusCompleted || cp.Status == storage.TransferStatusFailed {
			continue
		}
		record, err := e.store.GetFileRecord(cp.FileID)
		if err != nil {
			logrus.WithField("transfer_id", cp.TransferID).Warn("checkpoint without file record, dropping")
			e.store.DeleteTransferCheckpoint(cp.TransferID)
			continue
		}
		state := &transferState{
			id:           cp.TransferID,
			fileID:       cp.FileID,
			owner:        record.Owner,
			direction:    cp.Direction,
			originalName: record.OriginalName,
			totalSize:    cp.TotalSize,
			chunkSize:    cp.ChunkSize,
			ackedOffset:  cp.AckedOffset,
			status:       storage.TransferStatusPaused,
			tempPath:     cp.TempPath,
			lastActivity: time.Now(),
		}
		e.transfers[cp.TransferID] = state
		logrus.WithFields(logrus.Fields{
			"transfer_id":  cp.TransferID,
			"acked_offset": cp.AckedOffset,
		}).Info("transfer checkpoint restored")
	}
	return nil
}

// UploadHandle is what the client needs to drive an upload.
type UploadHandle struct {
	TransferID  string
	FileID      string
	ChunkSize   int
	AckedOffset int64
}

// StartUpload registers a new upload and stages its temp file. The
// declared size is validated immediately so oversized files fail before
// a single byte moves.
func (e *Engine) StartUpload(owner, filename string, totalSize int64) (*UploadHandle, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename must not be empty")
	}
	if totalSize <= 0 {
		return nil, fmt.Errorf("total size must be positive")
	}
	if totalSize > e.config.MaxFileSize {
		return nil, ErrSizeExceeded
	}

	transferID := uuid.NewString()
	fileID := uuid.NewString()
	if err := os.MkdirAll(e.config.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	tempPath := filepath.Join(e.config.TempDir, fileID+".part")

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	record := storage.FileRecord{
		FileID:       fileID,
		StoredName:   fileID,
		OriginalName: filepath.Base(filename),
		Owner:        owner,
		DeclaredSize: totalSize,
		Verdict:      storage.VerdictPending,
		Location:     storage.LocationTemp,
	}
	if err := e.store.SaveFileRecord(record); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("save file record: %w", err)
	}

	state := &transferState{
		id:           transferID,
		fileID:       fileID,
		owner:        owner,
		direction:    storage.DirectionUpload,
		originalName: record.OriginalName,
		totalSize:    totalSize,
		chunkSize:    e.config.ChunkSize,
		status:       storage.TransferStatusPending,
		tempPath:     tempPath,
		file:         f,
		lastActivity: time.Now(),
	}
	if err := e.persistCheckpoint(state); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, err
	}

	e.mu.Lock()
	e.transfers[transferID] = state
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file_id":     fileID,
		"owner":       owner,
		"size":        totalSize,
	}).Info("upload started")

	return &UploadHandle{
		TransferID:  transferID,
		FileID:      fileID,
		ChunkSize:   e.config.ChunkSize,
		AckedOffset: 0,
	}, nil
}

// WriteChunk appends one chunk to an upload. Only a chunk at exactly the
// acknowledged offset advances the transfer. A chunk that ends at or
// below the acknowledged offset is a retransmit and acknowledged again
// without touching the file. A chunk past the acknowledged offset is
// rejected without mutating anything. Returns the new acknowledged
// offset.
func (e *Engine) WriteChunk(transferID, owner string, offset int64, data []byte, checksum string) (int64, error) {
	state, err := e.lookup(transferID, owner)
	if err != nil {
		return 0, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.terminal() {
		return state.ackedOffset, ErrTransferTerminal
	}
	if state.direction != storage.DirectionUpload {
		return 0, fmt.Errorf("transfer %q is not an upload", transferID)
	}
	if len(data) == 0 {
		return state.ackedOffset, fmt.Errorf("empty chunk")
	}

	// Retransmit of already-acknowledged bytes.
	if offset < state.ackedOffset {
		if offset+int64(len(data)) > state.ackedOffset {
			return state.ackedOffset, ErrOutOfOrderOffset
		}
		return state.ackedOffset, nil
	}
	if offset > state.ackedOffset {
		return state.ackedOffset, ErrOutOfOrderOffset
	}

	if checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != checksum {
			return state.ackedOffset, ErrChecksumMismatch
		}
	}

	end := offset + int64(len(data))
	if end > state.totalSize {
		return state.ackedOffset, ErrSizeExceeded
	}

	if err := e.ensureOpenForWrite(state); err != nil {
		return state.ackedOffset, err
	}
	if _, err := state.file.WriteAt(data, offset); err != nil {
		return state.ackedOffset, fmt.Errorf("write chunk at %d: %w", offset, err)
	}

	state.ackedOffset = end
	state.status = storage.TransferStatusInProgress
	state.lastActivity = time.Now()
	if err := e.persistCheckpoint(state); err != nil {
		return state.ackedOffset, err
	}

	return state.ackedOffset, nil
}

// CompleteResult reports the outcome of finishing an upload.
type CompleteResult struct {
	FileID   string
	Verdict  string
	Stage    string
	Reason   string
	MIMEType string
}

// CompleteUpload finalizes an upload once every byte has arrived. The
// whole-file hash must match the client's declared hash, then the file
// runs through security screening. Passing files move into the store
// and become downloadable; rejected files move into quarantine. Either
// way the transfer reaches a terminal state.
func (e *Engine) CompleteUpload(transferID, owner, declaredHash string) (*CompleteResult, error) {
	state, err := e.lookup(transferID, owner)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.terminal() {
		return nil, ErrTransferTerminal
	}
	if state.direction != storage.DirectionUpload {
		return nil, fmt.Errorf("transfer %q is not an upload", transferID)
	}
	if state.ackedOffset != state.totalSize {
		return nil, ErrIncomplete
	}

	if state.file != nil {
		if err := state.file.Sync(); err != nil {
			return nil, fmt.Errorf("sync staging file: %w", err)
		}
		state.file.Close()
		state.file = nil
	}

	if declaredHash != "" {
		actual, hashErr := hashFile(state.tempPath)
		if hashErr != nil {
			return nil, hashErr
		}
		if actual != declaredHash {
			e.failLocked(state, "whole-file hash mismatch")
			return nil, ErrChecksumMismatch
		}
	}

	result, err := e.scanner.ScanFile(state.tempPath, state.originalName)
	if err != nil {
		e.failLocked(state, "scan error: "+err.Error())
		return nil, fmt.Errorf("screen upload %q: %w", state.originalName, err)
	}

	if result.Rejected() {
		if _, qErr := e.scanner.Quarantine(state.tempPath, state.originalName); qErr != nil {
			// Never leave rejected content in the staging area.
			os.Remove(state.tempPath)
		}
		if err := e.store.UpdateFileVerdict(state.fileID, storage.VerdictReject, result.Stage, result.Reason, storage.LocationQuarantine, result.ContentHash); err != nil {
			logrus.WithError(err).Error("record rejection verdict")
		}
		details, _ := json.Marshal(map[string]string{
			"file_id":  state.fileID,
			"filename": state.originalName,
			"stage":    result.Stage,
			"reason":   result.Reason,
		})
		if err := e.store.LogSecurityEvent(storage.SecurityEvent{
			EventType: "file_rejected",
			Username:  &owner,
			Details:   string(details),
			Severity:  storage.SecuritySeverityCritical,
		}); err != nil {
			logrus.WithError(err).Error("record file rejection event")
		}
		e.finishLocked(state, storage.TransferStatusFailed)
		return &CompleteResult{
			FileID:   state.fileID,
			Verdict:  result.Verdict,
			Stage:    result.Stage,
			Reason:   result.Reason,
			MIMEType: result.MIMEType,
		}, nil
	}

	if err := os.MkdirAll(e.config.FilesDir, 0o700); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	finalPath := filepath.Join(e.config.FilesDir, state.fileID)
	if err := os.Rename(state.tempPath, finalPath); err != nil {
		e.failLocked(state, "publish failed")
		return nil, fmt.Errorf("publish %q: %w", state.originalName, err)
	}

	passReason := ""
	if result.SignatureSkipped {
		passReason = "signature stage skipped"
	}
	if err := e.store.UpdateFileVerdict(state.fileID, storage.VerdictPass, result.Stage, passReason, storage.LocationStore, result.ContentHash); err != nil {
		return nil, fmt.Errorf("record pass verdict: %w", err)
	}
	e.finishLocked(state, storage.TransferStatusCompleted)

	logrus.WithFields(logrus.Fields{
		"file_id":  state.fileID,
		"filename": state.originalName,
		"owner":    owner,
	}).Info("upload published")

	return &CompleteResult{
		FileID:   state.fileID,
		Verdict:  result.Verdict,
		MIMEType: result.MIMEType,
	}, nil
}

// Resume reactivates a paused or interrupted transfer and returns the
// offset the client should continue from.
func (e *Engine) Resume(transferID, owner string) (int64, error) {
	state, err := e.lookup(transferID, owner)
	if err != nil {
		return 0, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.terminal() {
		return 0, ErrTransferTerminal
	}
	state.status = storage.TransferStatusInProgress
	state.lastActivity = time.Now()
	if err := e.persistCheckpoint(state); err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"transfer_id":  transferID,
		"acked_offset": state.ackedOffset,
	}).Info("transfer resumed")

	return state.ackedOffset, nil
}

// Cancel abandons a transfer, discarding staged bytes and the
// checkpoint.
func (e *Engine) Cancel(transferID, owner string) error {
	state, err := e.lookup(transferID, owner)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.terminal() {
		return ErrTransferTerminal
	}
	e.discardLocked(state)
	e.finishLocked(state, storage.TransferStatusFailed)

	logrus.WithField("transfer_id", transferID).Info("transfer cancelled")
	return nil
}

// PauseOwned pauses every live transfer belonging to owner. Called when
// the owning connection drops so staged bytes survive for a later
// resume.
func (e *Engine) PauseOwned(owner string) {
	e.mu.Lock()
	states := make([]*transferState, 0)
	for _, t := range e.transfers {
		if t.owner == owner {
			states = append(states, t)
		}
	}
	e.mu.Unlock()

	for _, t := range states {
		t.mu.Lock()
		if !t.terminal() {
			e.pauseLocked(t)
		}
		t.mu.Unlock()
	}
}

// DownloadHandle is what the client needs to drive a download.
type DownloadHandle struct {
	TransferID string
	FileID     string
	Filename   string
	TotalSize  int64
	ChunkSize  int
}

// StartDownload opens a download for a published file. Files that never
// passed screening are not served, including to their owner.
func (e *Engine) StartDownload(requester, fileID string) (*DownloadHandle, error) {
	record, err := e.store.GetFileRecord(fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrFileUnavailable
	}
	if err != nil {
		return nil, err
	}
	if record.Verdict != storage.VerdictPass || record.Location != storage.LocationStore {
		return nil, ErrFileUnavailable
	}

	path := filepath.Join(e.config.FilesDir, record.StoredName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrFileUnavailable
	}

	transferID := uuid.NewString()
	state := &transferState{
		id:           transferID,
		fileID:       fileID,
		owner:        requester,
		direction:    storage.DirectionDownload,
		originalName: record.OriginalName,
		totalSize:    info.Size(),
		chunkSize:    e.config.ChunkSize,
		status:       storage.TransferStatusPending,
		tempPath:     path,
		lastActivity: time.Now(),
	}
	if err := e.persistCheckpoint(state); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.transfers[transferID] = state
	e.mu.Unlock()

	return &DownloadHandle{
		TransferID: transferID,
		FileID:     fileID,
		Filename:   record.OriginalName,
		TotalSize:  info.Size(),
		ChunkSize:  e.config.ChunkSize,
	}, nil
}

// Chunk is one piece of a download with its integrity checksum.
type Chunk struct {
	Offset   int64
	Data     []byte
	Checksum string
	Last     bool
}

// ReadChunk serves a chunk of a download at any in-range offset, so a
// client that already holds a prefix can resume from its own position
// or re-request a chunk it lost. A positive length below the server
// chunk size trims the read; zero means the server chunk size. The
// acknowledged offset only ever moves forward.
func (e *Engine) ReadChunk(transferID, requester string, offset int64, length int) (*Chunk, error) {
	state, err := e.lookup(transferID, requester)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.terminal() {
		return nil, ErrTransferTerminal
	}
	if state.direction != storage.DirectionDownload {
		return nil, fmt.Errorf("transfer %q is not a download", transferID)
	}
	if offset < 0 || offset >= state.totalSize {
		return nil, ErrOutOfOrderOffset
	}

	if state.file == nil {
		f, openErr := os.Open(state.tempPath)
		if openErr != nil {
			return nil, fmt.Errorf("open stored file: %w", openErr)
		}
		state.file = f
	}

	size := state.chunkSize
	if length > 0 && length < size {
		size = length
	}
	if remaining := state.totalSize - offset; remaining < int64(size) {
		size = int(remaining)
	}
	data := make([]byte, size)
	if _, err := state.file.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}

	sum := sha256.Sum256(data)
	if end := offset + int64(size); end > state.ackedOffset {
		state.ackedOffset = end
	}
	state.status = storage.TransferStatusInProgress
	state.lastActivity = time.Now()

	last := offset+int64(size) >= state.totalSize
	if last {
		e.finishLocked(state, storage.TransferStatusCompleted)
	} else if err := e.persistCheckpoint(state); err != nil {
		return nil, err
	}

	return &Chunk{
		Offset:   offset,
		Data:     data,
		Checksum: hex.EncodeToString(sum[:]),
		Last:     last,
	}, nil
}

// Status reports a transfer's current status and acknowledged offset.
func (e *Engine) Status(transferID, owner string) (string, int64, error) {
	state, err := e.lookup(transferID, owner)
	if err != nil {
		return "", 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, state.ackedOffset, nil
}

func (e *Engine) lookup(transferID, owner string) (*transferState, error) {
	e.mu.Lock()
	state, ok := e.transfers[transferID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTransfer
	}
	if state.owner != owner {
		return nil, ErrNotOwner
	}
	return state, nil
}

func (e *Engine) ensureOpenForWrite(state *transferState) error {
	if state.file != nil {
		return nil
	}
	f, err := os.OpenFile(state.tempPath, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopen staging file: %w", err)
	}
	state.file = f
	return nil
}

// pauseLocked parks a transfer. Caller holds state.mu.
func (e *Engine) pauseLocked(state *transferState) {
	if state.file != nil {
		state.file.Close()
		state.file = nil
	}
	state.status = storage.TransferStatusPaused
	state.lastActivity = time.Now()
	if err := e.persistCheckpoint(state); err != nil {
		logrus.WithError(err).Error("persist paused checkpoint")
	}
	logrus.WithFields(logrus.Fields{
		"transfer_id":  state.id,
		"acked_offset": state.ackedOffset,
	}).Info("transfer paused")
}

// failLocked marks a transfer failed and discards its staged bytes.
// Caller holds state.mu.
func (e *Engine) failLocked(state *transferState, reason string) {
	e.discardLocked(state)
	e.finishLocked(state, storage.TransferStatusFailed)
	logrus.WithFields(logrus.Fields{
		"transfer_id": state.id,
		"reason":      reason,
	}).Warn("transfer failed")
}

// discardLocked drops the staged upload bytes. Download sources are
// never removed.
func (e *Engine) discardLocked(state *transferState) {
	if state.file != nil {
		state.file.Close()
		state.file = nil
	}
	if state.direction == storage.DirectionUpload && state.tempPath != "" {
		os.Remove(state.tempPath)
	}
}

// finishLocked moves a transfer into a terminal status and removes its
// checkpoint row. Terminal state stays in memory until the retention
// window passes so late status queries still resolve. Caller holds
// state.mu.
func (e *Engine) finishLocked(state *transferState, status string) {
	if state.file != nil {
		state.file.Close()
		state.file = nil
	}
	state.status = status
	state.finishedAt = time.Now()
	if err := e.store.DeleteTransferCheckpoint(state.id); err != nil {
		logrus.WithError(err).Error("delete transfer checkpoint")
	}
}

func (e *Engine) persistCheckpoint(state *transferState) error {
	return e.store.UpsertTransferCheckpoint(storage.TransferCheckpoint{
		TransferID:  state.id,
		FileID:      state.fileID,
		Direction:   state.direction,
		TotalSize:   state.totalSize,
		ChunkSize:   state.chunkSize,
		AckedOffset: state.ackedOffset,
		Status:      state.status,
		TempPath:    state.tempPath,
	})
}

func (e *Engine) janitorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep fails transfers idle past the timeout and forgets terminal
// transfers past the retention window.
func (e *Engine) sweep() {
	e.mu.Lock()
	states := make([]*transferState, 0, len(e.transfers))
	for _, t := range e.transfers {
		states = append(states, t)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, t := range states {
		t.mu.Lock()
		switch {
		case t.terminal():
			if now.Sub(t.finishedAt) > e.config.Retention {
				e.mu.Lock()
				delete(e.transfers, t.id)
				e.mu.Unlock()
			}
		case now.Sub(t.lastActivity) > e.config.IdleTimeout:
			e.failLocked(t, "idle timeout")
		}
		t.mu.Unlock()
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q for hashing: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
