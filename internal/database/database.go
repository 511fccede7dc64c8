package database

import (
	"fmt"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Error),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log := observability.NewLogger("database")
	log.Info().Msg("database connection established")
	return db, nil
}

// Models lists every table the ledger persists, in migration order
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Round{},
		&models.Prediction{},
	}
}

// AutoMigrate runs automatic migrations for all models
func AutoMigrate(db *gorm.DB) error {
	log := observability.NewLogger("database")
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	log.Info().Int("tables", len(Models())).Msg("database migrations completed")
	return nil
}
