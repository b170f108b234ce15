package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/gorm"
)

func createTenantMailSettingsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_tenant_mail_settings",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.MailSettingsModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.MailSettingsModel{})
		},
	}
}
