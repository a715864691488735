package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/config"
	"github.com/mesikahq/medvault/internal/database"
	"github.com/mesikahq/medvault/internal/db/migrate"
	"github.com/mesikahq/medvault/internal/db/migrations"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found")
	}

	command := flag.String("command", "up", "Migration command (up/down/status)")
	configPath := flag.String("config", "", "Config file (defaults to the standard search paths)")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	manager := migrate.NewManager(pool, migrations.FS, logger)
	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}

	switch *command {
	case "up":
		if err := manager.Up(ctx); err != nil {
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		fmt.Println("Successfully applied all pending migrations")

	case "down":
		if err := manager.Down(ctx); err != nil {
			log.Fatalf("Failed to roll back migration: %v", err)
		}
		fmt.Println("Successfully rolled back last migration")

	case "status":
		all, err := manager.LoadMigrations()
		if err != nil {
			log.Fatalf("Failed to load migrations: %v", err)
		}
		applied, err := manager.GetAppliedMigrations(ctx)
		if err != nil {
			log.Fatalf("Failed to read applied migrations: %v", err)
		}
		for _, m := range all {
			state := "pending"
			if at, ok := applied[m.Version]; ok {
				state = "applied " + at.Format(time.RFC3339)
			}
			fmt.Printf("%03d_%s\t%s\n", m.Version, m.Name, state)
		}

	default:
		log.Fatalf("Unknown command: %s", *command)
	}
}
