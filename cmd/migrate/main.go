package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"keyrelay/config"
	"keyrelay/pkg/database"
)

const usage = `
keyrelay - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Apply the schema migrations
  status      Show database connection status

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	database.Connect(cfg)

	switch flag.Arg(0) {
	case "up":
		if err := database.Migrate(database.DB); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
	case "status":
		if err := database.HealthCheck(); err != nil {
			log.Fatalf("Database unreachable: %v", err)
		}
		log.Println("Database connection OK")
	default:
		flag.Usage()
		os.Exit(1)
	}
}
