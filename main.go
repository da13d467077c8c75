package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voidlink/auth"
	"voidlink/config"
	"voidlink/crypto"
	"voidlink/discovery"
	"voidlink/network"
	"voidlink/router"
	"voidlink/scanner"
	"voidlink/storage"
	"voidlink/transfer"
)

const defaultAdminPassword = "admin123"

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}
	dataDir := filepath.Dir(cfgPath)

	serverKey, err := crypto.EnsureServerKey(cfg.ServerKeyPath)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing server key")
	}

	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Listening Port:  %d\n", cfg.ListenPort)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close error")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	if err := seedDefaults(store); err != nil {
		logrus.WithError(err).Fatal("startup failed while seeding defaults")
	}

	accounts := auth.NewAccountStore(
		store,
		cfg.LockoutThreshold,
		time.Duration(cfg.LockoutMinutes)*time.Minute,
	)
	sessions := auth.NewSessionManager(time.Duration(cfg.SessionIdleMinutes) * time.Minute)
	msgRouter := router.New(store, serverKey, cfg.SubscriberQueueSize)

	var backend scanner.SignatureBackend
	if cfg.ClamAVAddress != "" {
		backend = scanner.NewClamAVBackend(cfg.ClamAVAddress)
	}
	screener := scanner.New(cfg.MaxFileSize, config.QuarantineDir(dataDir), backend)

	engine, err := transfer.NewEngine(transfer.Config{
		MaxFileSize: cfg.MaxFileSize,
		ChunkSize:   cfg.ChunkSize,
		IdleTimeout: time.Duration(cfg.TransferIdleMinutes) * time.Minute,
		Retention:   time.Duration(cfg.RetentionMinutes) * time.Minute,
		TempDir:     config.TempDir(dataDir),
		FilesDir:    config.FilesDir(dataDir),
	}, store, screener)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while restoring transfers")
	}
	defer engine.Close()

	server, err := network.Listen(fmt.Sprintf(":%d", cfg.ListenPort), network.Deps{
		Accounts:    accounts,
		Sessions:    sessions,
		Router:      msgRouter,
		Engine:      engine,
		Store:       store,
		ServerKey:   serverKey,
		IdleTimeout: time.Duration(cfg.SessionIdleMinutes) * time.Minute,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while starting server")
	}
	defer server.Close()

	if cfg.DiscoveryEnabled {
		announcer, err := discovery.StartAnnouncer(discovery.Config{
			ServerName: cfg.ServerName,
			Port:       cfg.ListenPort,
		})
		if err != nil {
			logrus.WithError(err).Warn("mDNS announcement unavailable")
		} else {
			defer announcer.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithField("address", server.Addr().String()).Info("ready")
	<-ctx.Done()
	logrus.Info("shutting down")
}

// seedDefaults creates the admin account and the general room on first
// run. The admin password must be changed after first login.
func seedDefaults(store *storage.Store) error {
	hash, err := auth.HashPassword(defaultAdminPassword)
	if err != nil {
		return err
	}
	seeded, err := store.EnsureDefaultAdmin(hash)
	if err != nil {
		return err
	}
	if seeded {
		logrus.Warn("default admin account created, change its password")
	}
	return store.EnsureDefaultRoom()
}
