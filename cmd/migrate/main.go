// Command migrate applies or rolls back the event-store and broker schema
// migrations under migrations/ using golang-migrate.
package main

import (
	"errors"
	"flag"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/cert-padua/n6pipe/internal/config"
)

func main() {
	dsn := flag.String("dsn", "", "Postgres DSN (defaults to N6PIPE_BROKER_DSN)")
	migrationsDir := flag.String("path", "migrations", "directory of migration files")
	direction := flag.String("direction", "up", "up or down")
	steps := flag.Int("steps", 0, "number of steps to apply (0 = all)")
	flag.Parse()

	dsnValue := *dsn
	if dsnValue == "" {
		dsnValue = config.GetEnv("N6PIPE_BROKER_DSN", "")
	}
	if dsnValue == "" {
		log.Fatal("migrate: no DSN given (pass -dsn or set N6PIPE_BROKER_DSN)")
	}

	m, err := migrate.New("file://"+*migrationsDir, dsnValue)
	if err != nil {
		log.Fatalf("migrate: init: %v", err)
	}

	switch *direction {
	case "up":
		if *steps == 0 {
			err = m.Up()
		} else {
			err = m.Steps(*steps)
		}
	case "down":
		if *steps == 0 {
			err = m.Down()
		} else {
			err = m.Steps(-*steps)
		}
	default:
		log.Fatalf("migrate: unknown direction %q", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrate: done")
}
