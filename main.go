package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"thesischat/config"
	"thesischat/discovery"
	"thesischat/logging"
	"thesischat/network"
	"thesischat/session"
	"thesischat/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "thesischat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("startup failed while building logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	userID, ok := cfg.CurrentUserID()
	if !ok {
		return fmt.Errorf("no user configured; set user_id in %s or THESIS_CHAT_USER_ID", cfgPath)
	}

	fmt.Printf("User ID:         %s\n", userID)
	fmt.Printf("Client ID:       %s\n", cfg.ClientID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))

	store, err := storage.OpenPath(cfg.ProfileDBPath, storage.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("startup failed while opening profile directory: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("profile directory close error", zap.Error(err))
		}
	}()
	fmt.Printf("Profile DB:      %s\n", cfg.ProfileDBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint, err := resolveEndpoint(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup failed while resolving chat endpoint: %w", err)
	}
	fmt.Printf("Endpoint:        %s\n", endpoint)

	// Stopped before the store closes.
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	chat, err := session.New(session.Options{
		Identity: cfg,
		Endpoint: endpoint,
		Dialer: network.WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			Header:           http.Header{"X-Client-Id": []string{cfg.ClientID}},
		},
		Lookup:         store,
		DedupWindow:    cfg.DedupWindow(),
		ProfileTimeout: cfg.ProfileTimeout(),
		Notifications:  store.WatchNotifications(feedCtx, session.MaxNotifications, storage.DefaultNotificationPollInterval),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed while creating chat session: %w", err)
	}
	defer func() {
		if err := chat.Close(); err != nil {
			logger.Warn("chat session close error", zap.Error(err))
		}
	}()

	if _, err := chat.Connect(ctx); err != nil {
		logger.Warn("initial connect failed; use /reconnect", zap.Error(err))
	}

	fmt.Println("Status:          running (type /help, Ctrl+C to stop)")
	console := newConsole(chat, store, os.Stdin, os.Stdout)
	go console.printEvents(chat.Events())
	if err := console.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("console stopped", zap.Error(err))
	}
	fmt.Println("Status:          shutting down")
	return nil
}

func resolveEndpoint(ctx context.Context, cfg *config.SessionConfig, logger *zap.Logger) (string, error) {
	if cfg.Endpoint != "" {
		return cfg.Endpoint, nil
	}

	locator, err := discovery.NewLocator(discovery.Config{
		Service: cfg.DiscoveryService,
		Logger:  logger,
	})
	if err != nil {
		return "", err
	}
	return locator.Locate(ctx)
}
