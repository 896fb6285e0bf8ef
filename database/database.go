package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"world-arena-backend/models"
)

// Open connects to postgres when a DSN is configured, otherwise to a local
// sqlite file, and migrates the full schema. The sqlite path is what local and
// test deployments use; both drivers go through the same GORM surface.
func Open(databaseURL, dbPath string) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dbPath), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.IdentityVerification{},
		&models.PaymentRecord{},
		&models.PaymentStatusHistory{},
		&models.Tournament{},
		&models.TournamentParticipant{},
		&models.TournamentScore{},
		&models.TournamentResult{},
		&models.GameProgress{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
