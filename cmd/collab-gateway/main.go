// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/call"
	"github.com/loomworks/loom/chat"
	"github.com/loomworks/loom/directory"
	"github.com/loomworks/loom/gateway"
	"github.com/loomworks/loom/identity"
	"github.com/loomworks/loom/lib/clock"
	"github.com/loomworks/loom/lib/process"
	"github.com/loomworks/loom/lib/sqlitepool"
	"github.com/loomworks/loom/presence"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the gateway config file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("collab-gateway " + version)
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	heartbeat, err := cfg.heartbeat()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Database,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, directory.Schema+chat.Schema+call.Schema, nil)
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	tokens, err := identity.LoadFile(cfg.Tokens)
	if err != nil {
		return err
	}

	systemClock := clock.Real()
	bus := broker.New()

	dir, err := directory.New(directory.Config{Pool: pool, Clock: systemClock, Logger: logger})
	if err != nil {
		return err
	}
	chatService, err := chat.New(chat.Config{Pool: pool, Directory: dir, Broker: bus, Clock: systemClock, Logger: logger})
	if err != nil {
		return err
	}
	calls, err := call.New(call.Config{Pool: pool, Directory: dir, Broker: bus, Clock: systemClock, Logger: logger})
	if err != nil {
		return err
	}
	dir.SetCallDropper(calls)
	tracker := presence.New(bus, logger)

	server, err := gateway.New(gateway.Config{
		SocketPath:        cfg.Socket,
		Identity:          tokens,
		Directory:         dir,
		Chat:              chatService,
		Calls:             calls,
		Presence:          tracker,
		Broker:            bus,
		Clock:             systemClock,
		Logger:            logger,
		HeartbeatInterval: heartbeat,
		SubscriberBuffer:  cfg.SubscriberBuffer,
	})
	if err != nil {
		return err
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	logger.Info("collab-gateway running",
		"version", version,
		"socket", cfg.Socket,
		"database", cfg.Database,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Serve drains live connections before returning; each one fires
	// its presence cleanup on the way out.
	return <-serveDone
}
