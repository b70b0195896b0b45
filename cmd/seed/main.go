// Package main implements a one-shot seed command that registers an API
// client directly in the runner database. It lives inside the module so it
// can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --client-id my-client --audience tasks-api
//
// Environment variables:
//
//	WALDIEZ_RUNNER_DB_DRIVER  sqlite or postgres (default: sqlite)
//	WALDIEZ_RUNNER_DB_DSN     SQLite file path or Postgres DSN (default: ./waldiez_runner.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waldiez/runner/internal/auth"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	clientID := flag.String("client-id", "", "Public client identifier (required)")
	secret := flag.String("secret", "", "Client secret (generated when empty)")
	audience := flag.String("audience", auth.AudienceTasks, "Token audience: tasks-api or clients-api")
	name := flag.String("name", "", "Display name")
	description := flag.String("description", "", "Free-form description")
	flag.Parse()

	if *clientID == "" {
		return fmt.Errorf("--client-id is required")
	}
	if *audience != auth.AudienceTasks && *audience != auth.AudienceClients {
		return fmt.Errorf("--audience must be %q or %q", auth.AudienceTasks, auth.AudienceClients)
	}

	rawSecret := *secret
	if rawSecret == "" {
		generated, err := auth.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		rawSecret = generated
	}

	hash, err := auth.HashSecret(rawSecret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("WALDIEZ_RUNNER_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("WALDIEZ_RUNNER_DB_DSN", "./waldiez_runner.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	clientRepo := repositories.NewClientRepository(database)

	client := &db.Client{
		ClientID:    *clientID,
		SecretHash:  hash,
		Audience:    *audience,
		Name:        *name,
		Description: *description,
	}
	if err := clientRepo.Create(context.Background(), client); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a client with id %q already exists", *clientID)
		}
		return fmt.Errorf("create client: %w", err)
	}

	fmt.Printf("✓ Client created\n")
	fmt.Printf("  ID:        %s\n", client.ID)
	fmt.Printf("  ClientID:  %s\n", client.ClientID)
	fmt.Printf("  Audience:  %s\n", client.Audience)
	fmt.Printf("  Secret:    %s\n", rawSecret)
	fmt.Printf("\nStore the secret now — only its hash is persisted.\n")

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
