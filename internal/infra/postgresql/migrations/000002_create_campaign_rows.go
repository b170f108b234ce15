package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/gorm"
)

func createCampaignRowsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_campaign_rows",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.CampaignRowModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_campaign_rows_claim ON campaign_rows (campaign_id, status, scheduled_send_at)`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_rows_delivery_id ON campaign_rows (delivery_id) WHERE delivery_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_rows_recipient ON campaign_rows (campaign_id, lower(recipient))`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_rows_claimed_at ON campaign_rows (claimed_at) WHERE status IN ('queued', 'sending')`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CampaignRowModel{})
		},
	}
}
