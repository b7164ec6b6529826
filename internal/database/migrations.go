package database

import (
	"errors"
	"time"

	"github.com/stencilhq/stencil/internal/templates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillTemplateVariables = "2026-07-21_backfill_template_variables"

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
		{name: migrationBackfillTemplateVariables, apply: backfillTemplateVariables},
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

// backfillTemplateVariables recomputes the derived placeholder set for
// rows imported before extraction ran on every save.
func backfillTemplateVariables(db *gorm.DB) error {
	var stale []templates.Template
	err := db.Where("variables_json = '' OR variables_json IS NULL").Find(&stale).Error
	if err != nil {
		return err
	}
	for i := range stale {
		record := &stale[i]
		record.SetVariables(templates.ExtractVariables(record.Subject, record.HTMLContent))
		if err := db.Model(&templates.Template{}).
			Where("template_id = ?", record.TemplateID).
			Update("variables_json", record.VariablesJSON).Error; err != nil {
			return err
		}
	}
	return nil
}
