package main

import (
	"context"
	"log"
	"os"

	"github.com/acces/alumni-chat/internal/config"
	"github.com/acces/alumni-chat/internal/database"
)

func main() {
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Open(context.Background(), cfg.Database())
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	switch direction {
	case "up":
		err = database.Migrate(db)
	case "down":
		err = database.Rollback(db)
	default:
		log.Fatalf("usage: migrate [up|down]")
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", direction, err)
	}
	log.Printf("migrate %s complete", direction)
}
