package main

import (
	"flag"
	"os"
	"path/filepath"
	"sort"
	"time"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/database"
	"prediction-rounds/internal/observability"

	"gorm.io/gorm"
)

type schemaMigration struct {
	Name      string `gorm:"primaryKey;size:255"`
	AppliedAt time.Time
}

func (schemaMigration) TableName() string {
	return "schema_migrations"
}

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	flag.Parse()

	log := observability.NewLogger("migrate")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Connect to database
	db, err := database.Connect(cfg.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("auto migration failed")
	}
	if err := db.AutoMigrate(&schemaMigration{}); err != nil {
		log.Fatal().Err(err).Msg("failed to create schema_migrations")
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list migrations")
	}
	sort.Strings(files)

	applied := 0
	for _, path := range files {
		name := filepath.Base(path)

		var count int64
		if err := db.Model(&schemaMigration{}).Where("name = ?", name).Count(&count).Error; err != nil {
			log.Fatal().Err(err).Str("migration", name).Msg("failed to check migration")
		}
		if count > 0 {
			continue
		}

		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("migration", name).Msg("failed to read migration file")
		}

		log.Info().Str("migration", name).Msg("applying migration")
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(sqlBytes)).Error; err != nil {
				return err
			}
			return tx.Create(&schemaMigration{Name: name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			log.Fatal().Err(err).Str("migration", name).Msg("failed to apply migration")
		}
		applied++
	}

	log.Info().Int("applied", applied).Int("total", len(files)).Msg("migrations complete")
}
