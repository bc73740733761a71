package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/ts-devicehub/internal/config"
	"github.com/technosupport/ts-devicehub/internal/logging"
)

func main() {
	cfgFlag := flag.String("config", "", "path to YAML config (default $DEVICEHUB_CONFIG or config/default.yaml)")
	source := flag.String("path", "file://db/migrations", "migration source URL")
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(config.ResolvePath(*cfgFlag))
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: "console", Output: os.Stderr})
	log := logging.Component("migrator")

	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is empty; set DEVICEHUB_DATABASE__DSN")
	}

	// 2. Connect to DB
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}

	// 3. Init Migrate
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("create migrate driver")
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal().Err(err).Str("source", *source).Msg("initialize migrate")
	}

	// 4. Run Commands
	start := time.Now()
	switch {
	case *upCmd:
		log.Info().Msg("running up migrations")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("migration up failed")
		}
	case *downCmd:
		log.Info().Msg("running down migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("migration down failed")
		}
	case *stepsCmd != 0:
		log.Info().Int("steps", *stepsCmd).Msg("running migration steps")
		if err := m.Steps(*stepsCmd); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("migration steps failed")
		}
	default:
		log.Info().Msg("no command specified, use -up, -down or -steps")
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Msg("no migrations applied")
	case err != nil:
		log.Warn().Err(err).Msg("read version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Dur("duration", time.Since(start)).Msg("migrator done")
	}
}
