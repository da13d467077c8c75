package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveFileRecord inserts a new file row.
func (s *Store) SaveFileRecord(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.StoredName == "" {
		return errors.New("stored_name is required")
	}
	if file.OriginalName == "" {
		return errors.New("original_name is required")
	}
	if file.Owner == "" {
		return errors.New("owner is required")
	}
	if file.Verdict == "" {
		file.Verdict = VerdictPending
	}
	if err := validateVerdict(file.Verdict); err != nil {
		return err
	}
	if file.Location == "" {
		file.Location = LocationTemp
	}
	if err := validateLocation(file.Location); err != nil {
		return err
	}
	if file.CreatedAt == 0 {
		file.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			file_id,
			stored_name,
			original_name,
			owner,
			declared_size,
			content_hash,
			verdict,
			scan_stage,
			scan_reason,
			location,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.FileID,
		file.StoredName,
		file.OriginalName,
		file.Owner,
		file.DeclaredSize,
		file.ContentHash,
		file.Verdict,
		file.ScanStage,
		file.ScanReason,
		file.Location,
		file.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: files.file_id") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert file record %q: %w", file.FileID, err)
	}

	return nil
}

// UpdateFileVerdict writes the scan outcome columns for one file.
func (s *Store) UpdateFileVerdict(fileID, verdict, stage, reason, location, contentHash string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateVerdict(verdict); err != nil {
		return err
	}
	if err := validateLocation(location); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET verdict = ?, scan_stage = ?, scan_reason = ?, location = ?, content_hash = ?
		WHERE file_id = ?`,
		verdict,
		stage,
		reason,
		location,
		contentHash,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update file verdict %q: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for file verdict %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetFileRecord fetches one file row by ID.
func (s *Store) GetFileRecord(fileID string) (*FileRecord, error) {
	if fileID == "" {
		return nil, errors.New("file_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			file_id,
			stored_name,
			original_name,
			owner,
			declared_size,
			content_hash,
			verdict,
			scan_stage,
			scan_reason,
			location,
			created_at
		FROM files
		WHERE file_id = ?`,
		fileID,
	)

	file, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file record %q: %w", fileID, err)
	}

	return file, nil
}

// ListVisibleFiles returns all available files plus the requester's own
// records in any state, newest first. Other users' unscanned or rejected
// uploads are never listed.
func (s *Store) ListVisibleFiles(requester string) ([]FileRecord, error) {
	if requester == "" {
		return nil, errors.New("requester is required")
	}

	rows, err := s.db.Query(
		`SELECT
			file_id,
			stored_name,
			original_name,
			owner,
			declared_size,
			content_hash,
			verdict,
			scan_stage,
			scan_reason,
			location,
			created_at
		FROM files
		WHERE verdict = ? OR owner = ?
		ORDER BY created_at DESC, file_id`,
		VerdictPass,
		requester,
	)
	if err != nil {
		return nil, fmt.Errorf("list visible files for %q: %w", requester, err)
	}
	defer rows.Close()

	files := make([]FileRecord, 0)
	for rows.Next() {
		file, scanErr := scanFileRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan file row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}

	return files, nil
}

// UpsertTransferCheckpoint inserts or updates resumable transfer state.
func (s *Store) UpsertTransferCheckpoint(checkpoint TransferCheckpoint) error {
	if checkpoint.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if checkpoint.FileID == "" {
		return errors.New("file_id is required")
	}
	if err := validateDirection(checkpoint.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(checkpoint.Status); err != nil {
		return err
	}
	if checkpoint.AckedOffset < 0 {
		return errors.New("acked_offset must be >= 0")
	}
	if checkpoint.UpdatedAt == 0 {
		checkpoint.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints (
			transfer_id,
			file_id,
			direction,
			total_size,
			chunk_size,
			acked_offset,
			status,
			temp_path,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			acked_offset = excluded.acked_offset,
			status = excluded.status,
			temp_path = excluded.temp_path,
			updated_at = excluded.updated_at`,
		checkpoint.TransferID,
		checkpoint.FileID,
		checkpoint.Direction,
		checkpoint.TotalSize,
		checkpoint.ChunkSize,
		checkpoint.AckedOffset,
		checkpoint.Status,
		checkpoint.TempPath,
		checkpoint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer checkpoint %q: %w", checkpoint.TransferID, err)
	}

	return nil
}

// GetTransferCheckpoint fetches one checkpoint by transfer ID.
func (s *Store) GetTransferCheckpoint(transferID string) (*TransferCheckpoint, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			file_id,
			direction,
			total_size,
			chunk_size,
			acked_offset,
			status,
			temp_path,
			updated_at
		FROM transfer_checkpoints
		WHERE transfer_id = ?`,
		transferID,
	)

	checkpoint, err := scanTransferCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer checkpoint %q: %w", transferID, err)
	}

	return checkpoint, nil
}

// DeleteTransferCheckpoint removes one checkpoint row.
func (s *Store) DeleteTransferCheckpoint(transferID string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	_, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints WHERE transfer_id = ?`,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("delete transfer checkpoint %q: %w", transferID, err)
	}

	return nil
}

// ListTransferCheckpoints returns persisted checkpoints, newest first.
func (s *Store) ListTransferCheckpoints() ([]TransferCheckpoint, error) {
	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			file_id,
			direction,
			total_size,
			chunk_size,
			acked_offset,
			status,
			temp_path,
			updated_at
		FROM transfer_checkpoints
		ORDER BY updated_at DESC, transfer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]TransferCheckpoint, 0)
	for rows.Next() {
		checkpoint, scanErr := scanTransferCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer checkpoint row: %w", scanErr)
		}
		checkpoints = append(checkpoints, *checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer checkpoint rows: %w", err)
	}

	return checkpoints, nil
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	var file FileRecord
	if err := row.Scan(
		&file.FileID,
		&file.StoredName,
		&file.OriginalName,
		&file.Owner,
		&file.DeclaredSize,
		&file.ContentHash,
		&file.Verdict,
		&file.ScanStage,
		&file.ScanReason,
		&file.Location,
		&file.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &file, nil
}

func scanTransferCheckpoint(row scanner) (*TransferCheckpoint, error) {
	var checkpoint TransferCheckpoint
	if err := row.Scan(
		&checkpoint.TransferID,
		&checkpoint.FileID,
		&checkpoint.Direction,
		&checkpoint.TotalSize,
		&checkpoint.ChunkSize,
		&checkpoint.AckedOffset,
		&checkpoint.Status,
		&checkpoint.TempPath,
		&checkpoint.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
