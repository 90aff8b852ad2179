package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLogHeads = "2026-10-01_backfill_log_heads"

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
		{name: migrationBackfillLogHeads, apply: backfillLogHeads},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// backfillLogHeads creates the head row of every log that has entries but no
// head, so id assignment resumes after the newest stored entry.
func backfillLogHeads(db *gorm.DB) error {
	return db.Exec(`
INSERT INTO store_log_heads (log_key, last_ms, last_seq)
SELECT entries.log_key, entries.id_ms, MAX(entries.id_seq)
FROM store_log_entries AS entries
JOIN (
	SELECT log_key, MAX(id_ms) AS id_ms FROM store_log_entries GROUP BY log_key
) AS newest ON newest.log_key = entries.log_key AND newest.id_ms = entries.id_ms
WHERE entries.log_key NOT IN (SELECT log_key FROM store_log_heads)
GROUP BY entries.log_key, entries.id_ms`).Error
}
