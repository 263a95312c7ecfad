// Package main provides the schema migration runner for the combatant store.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/cory-johannsen/arena/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	migrationsDir := flag.String("migrations", "migrations", "path to migration SQL files")
	direction := flag.String("direction", "up", "up, down, or version")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	m, err := migrate.New("file://"+*migrationsDir, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	if err := run(m, *direction, *steps); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func run(m *migrate.Migrate, direction string, steps int) error {
	var err error
	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "version":
		// report only, fall through to the status line below
	default:
		return fmt.Errorf("invalid direction %q: must be up, down, or version", direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return verr
	}
	if errors.Is(err, migrate.ErrNoChange) || direction == "version" {
		fmt.Printf("schema at version=%d dirty=%v, no changes applied\n", version, dirty)
		return nil
	}
	fmt.Printf("migrated %s to version=%d dirty=%v\n", direction, version, dirty)
	return nil
}
