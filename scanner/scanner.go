package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Screening stages, recorded on every result so the caller can see how
// far a file got before rejection.
const (
	StageSize      = "size"
	StageExtension = "extension"
	StageMIME      = "mime"
	StageSignature = "signature"
	StageComplete  = "complete"
)

// Verdicts mirror the storage constants so results can be persisted
// without translation.
const (
	VerdictPass   = "pass"
	VerdictReject = "reject"
)

// Extensions commonly used to deliver malware. Matched case-insensitively
// against the declared filename.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".msi": true, ".vbs": true,
	".js": true, ".jar": true, ".ps1": true, ".scr": true, ".dll": true,
	".com": true, ".pif": true, ".application": true, ".gadget": true,
	".msc": true, ".hta": true, ".cpl": true, ".msp": true, ".inf": true,
	".reg": true, ".sh": true, ".py": true, ".pl": true, ".php": true,
}

// Content types accepted by the MIME stage. Anything not on the list is
// rejected even if its extension looks harmless.
var allowedMIMETypes = map[string]bool{
	// Documents
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/rtf": true,
	"application/x-rtf": true,
	"text/plain":     true,
	"text/csv":       true,
	"text/markdown":  true,
	// Images
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/webp":    true,
	"image/svg+xml": true,
	// Audio
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/ogg":  true,
	"audio/flac": true,
	"audio/aac":  true,
	// Video
	"video/mp4":       true,
	"video/mpeg":      true,
	"video/quicktime": true,
	"video/x-msvideo": true,
	"video/webm":      true,
	// Archives
	"application/zip":              true,
	"application/x-rar-compressed": true,
	"application/x-tar":            true,
	"application/gzip":             true,
	"application/x-7z-compressed":  true,
}

// SignatureBackend scans file content for known malware signatures.
type SignatureBackend interface {
	// Available reports whether the backend can be reached right now.
	Available() bool
	// ScanFile returns (clean, signatureName, err). signatureName is set
	// only when clean is false.
	ScanFile(path string) (bool, string, error)
}

// Result is the outcome of a full screening run. SignatureSkipped is
// set when the file passed without a signature scan because no backend
// was reachable.
type Result struct {
	Verdict          string
	Stage            string
	Reason           string
	ContentHash      string
	MIMEType         string
	SignatureSkipped bool
	Duration         time.Duration
}

// Rejected reports whether the file failed screening.
func (r Result) Rejected() bool {
	return r.Verdict == VerdictReject
}

// Scanner runs the staged security pipeline over completed uploads.
type Scanner struct {
	maxFileSize   int64
	quarantineDir string
	backend       SignatureBackend
}

// New builds a Scanner. backend may be nil, in which case the signature
// stage is skipped entirely.
func New(maxFileSize int64, quarantineDir string, backend SignatureBackend) *Scanner {
	return &Scanner{
		maxFileSize:   maxFileSize,
		quarantineDir: quarantineDir,
		backend:       backend,
	}
}

// ScanFile runs every stage in order against the file at path, using
// filename for the extension check. The first failing stage short-circuits
// the rest. A pass verdict always carries the SHA-256 content hash.
func (s *Scanner) ScanFile(path, filename string) (Result, error) {
	started := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %q: %w", path, err)
	}

	if info.Size() > s.maxFileSize {
		return s.reject(StageSize, fmt.Sprintf("file size %d exceeds limit of %d bytes", info.Size(), s.maxFileSize), started), nil
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if dangerousExtensions[ext] {
		return s.reject(StageExtension, fmt.Sprintf("extension %q is not allowed", ext), started), nil
	}

	mimeType, err := detectMIME(path, filename)
	if err != nil {
		return Result{}, err
	}
	if !allowedMIMETypes[mimeType] {
		result := s.reject(StageMIME, fmt.Sprintf("content type %q is not allowed", mimeType), started)
		result.MIMEType = mimeType
		return result, nil
	}
	if reason := extensionContradiction(ext, mimeType); reason != "" {
		result := s.reject(StageMIME, reason, started)
		result.MIMEType = mimeType
		return result, nil
	}

	signatureSkipped := false
	if s.backend != nil && s.backend.Available() {
		clean, signature, scanErr := s.backend.ScanFile(path)
		if scanErr != nil {
			return Result{}, fmt.Errorf("signature scan of %q: %w", filename, scanErr)
		}
		if !clean {
			result := s.reject(StageSignature, fmt.Sprintf("signature match: %s", signature), started)
			result.MIMEType = mimeType
			return result, nil
		}
	} else {
		signatureSkipped = true
		logrus.WithField("filename", filename).Warn("signature backend unavailable, stage skipped")
	}

	hash, err := hashFile(path)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Verdict:          VerdictPass,
		Stage:            StageComplete,
		ContentHash:      hash,
		MIMEType:         mimeType,
		SignatureSkipped: signatureSkipped,
		Duration:         time.Since(started),
	}, nil
}

// Quarantine moves a rejected file into the quarantine directory and
// returns its new path. The stored name keeps a timestamp prefix so
// repeated rejections of the same name never collide.
func (s *Scanner) Quarantine(path, filename string) (string, error) {
	if err := os.MkdirAll(s.quarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	target := filepath.Join(s.quarantineDir, fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(filename)))
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("quarantine %q: %w", filename, err)
	}
	logrus.WithFields(logrus.Fields{
		"filename": filename,
		"target":   target,
	}).Warn("file quarantined")
	return target, nil
}

func (s *Scanner) reject(stage, reason string, started time.Time) Result {
	logrus.WithFields(logrus.Fields{
		"stage":  stage,
		"reason": reason,
	}).Warn("file rejected by security screening")
	return Result{
		Verdict:  VerdictReject,
		Stage:    stage,
		Reason:   reason,
		Duration: time.Since(started),
	}
}

// detectMIME sniffs the content type from the first 512 bytes and falls
// back to the extension for types the sniffer cannot distinguish from
// plain text or generic binary.
func detectMIME(path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q for sniffing: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read %q for sniffing: %w", path, err)
	}

	detected := http.DetectContentType(buf[:n])
	if mediaType, _, parseErr := mime.ParseMediaType(detected); parseErr == nil {
		detected = mediaType
	}

	// The sniffer reports text/plain and application/octet-stream for
	// many legitimate formats. Trust the extension in those cases when
	// it maps to a known type.
	if detected == "text/plain" || detected == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			if mediaType, _, parseErr := mime.ParseMediaType(byExt); parseErr == nil {
				detected = mediaType
			}
		}
	}

	return detected, nil
}

// extensionContradiction rejects files whose extension promises one
// top-level MIME family while the content sniffs as another. Extensions
// with no registered type, and generic sniffed types, are not
// contradictions.
func extensionContradiction(ext, sniffed string) string {
	byExt := mime.TypeByExtension(ext)
	if byExt == "" {
		return ""
	}
	expected, _, err := mime.ParseMediaType(byExt)
	if err != nil {
		return ""
	}
	if sniffed == "application/octet-stream" || sniffed == "text/plain" {
		return ""
	}
	if mimeFamily(expected) != mimeFamily(sniffed) {
		return fmt.Sprintf("extension %q promises %s but content is %s", ext, expected, sniffed)
	}
	return ""
}

func mimeFamily(mediaType string) string {
	if idx := strings.IndexByte(mediaType, '/'); idx > 0 {
		return mediaType[:idx]
	}
	return mediaType
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
