package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/realtime-gate/internal/repository"
	"gorm.io/gorm"
)

func createModerationAuditEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_moderation_audit_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuditEventModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_audit_events_user_created ON moderation_audit_events (user_id, created_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_events_type_created ON moderation_audit_events (type, created_at)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AuditEventModel{})
		},
	}
}
