package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillReactionColumns = "2026-08-12_backfill_reaction_columns"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillReactionColumns, apply: backfillReactionColumns},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before reactions and edit history existed carry empty JSON
// columns; normalize them so decoding never sees the zero value.
func backfillReactionColumns(db *gorm.DB) error {
	err := db.Model(&chat.Record{}).
		Where("reactions_json = ''").
		Update("reactions_json", "{}").Error
	if err != nil {
		return err
	}
	return db.Model(&chat.Record{}).
		Where("history_json = ''").
		Update("history_json", "[]").Error
}
