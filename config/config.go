package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "voidlink"
	// DefaultListenPort is the TCP port used when no user override exists.
	DefaultListenPort = 8000
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Default policy values applied by normalizeDefaults.
const (
	DefaultMaxFileSize        = 500 * 1024 * 1024
	DefaultChunkSize          = 64 * 1024
	DefaultLockoutThreshold   = 5
	DefaultLockoutMinutes     = 15
	DefaultSessionIdleMinutes = 30
	DefaultTransferIdleMin    = 10
	DefaultRetentionMinutes   = 60
	DefaultSubscriberQueue    = 64
)

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	ServerName          string `json:"server_name"`
	ListenPort          int    `json:"listen_port"`
	ServerKeyPath       string `json:"server_key_path"`
	MaxFileSize         int64  `json:"max_file_size"`
	ChunkSize           int    `json:"chunk_size"`
	LockoutThreshold    int    `json:"lockout_threshold"`
	LockoutMinutes      int    `json:"lockout_minutes"`
	SessionIdleMinutes  int    `json:"session_idle_minutes"`
	TransferIdleMinutes int    `json:"transfer_idle_minutes"`
	RetentionMinutes    int    `json:"retention_minutes"`
	SubscriberQueueSize int    `json:"subscriber_queue_size"`
	ClamAVAddress       string `json:"clamav_address"`
	DiscoveryEnabled    bool   `json:"discovery_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If VOIDLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("VOIDLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FilesDir returns the normal file store directory.
func FilesDir(dataDir string) string {
	return filepath.Join(dataDir, "files")
}

// QuarantineDir returns the quarantine area, physically separate from FilesDir.
func QuarantineDir(dataDir string) string {
	return filepath.Join(dataDir, "quarantine")
}

// TempDir returns the staging directory for in-flight uploads.
func TempDir(dataDir string) string {
	return filepath.Join(dataDir, "tmp")
}

// KeysDir returns the key material directory.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		KeysDir(dataDir),
		FilesDir(dataDir),
		QuarantineDir(dataDir),
		TempDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ServerConfig {
	serverName := "VoidLink Server"
	if host, err := os.Hostname(); err == nil && host != "" {
		serverName = host
	}

	return &ServerConfig{
		ServerName:          serverName,
		ListenPort:          DefaultListenPort,
		ServerKeyPath:       filepath.Join(KeysDir(dataDir), "server_key"),
		MaxFileSize:         DefaultMaxFileSize,
		ChunkSize:           DefaultChunkSize,
		LockoutThreshold:    DefaultLockoutThreshold,
		LockoutMinutes:      DefaultLockoutMinutes,
		SessionIdleMinutes:  DefaultSessionIdleMinutes,
		TransferIdleMinutes: DefaultTransferIdleMin,
		RetentionMinutes:    DefaultRetentionMinutes,
		SubscriberQueueSize: DefaultSubscriberQueue,
		ClamAVAddress:       "localhost:3310",
		DiscoveryEnabled:    true,
	}
}

func normalizeDefaults(cfg *ServerConfig, dataDir string) bool {
	updated := false

	if cfg.ServerName == "" {
		serverName := "VoidLink Server"
		if host, err := os.Hostname(); err == nil && host != "" {
			serverName = host
		}
		cfg.ServerName = serverName
		updated = true
	}

	if cfg.ListenPort <= 0 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}

	if cfg.ServerKeyPath == "" {
		cfg.ServerKeyPath = filepath.Join(KeysDir(dataDir), "server_key")
		updated = true
	}

	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = DefaultLockoutThreshold
		updated = true
	}
	if cfg.LockoutMinutes <= 0 {
		cfg.LockoutMinutes = DefaultLockoutMinutes
		updated = true
	}
	if cfg.SessionIdleMinutes <= 0 {
		cfg.SessionIdleMinutes = DefaultSessionIdleMinutes
		updated = true
	}
	if cfg.TransferIdleMinutes <= 0 {
		cfg.TransferIdleMinutes = DefaultTransferIdleMin
		updated = true
	}
	if cfg.RetentionMinutes <= 0 {
		cfg.RetentionMinutes = DefaultRetentionMinutes
		updated = true
	}
	if cfg.SubscriberQueueSize <= 0 {
		cfg.SubscriberQueueSize = DefaultSubscriberQueue
		updated = true
	}

	return updated
}
