package db

import (
	"errors"

	"lantern/cli/internal/db/migration"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models. Table structure changes do not use versioned migrations.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&ScheduledThought{},
		&ConversationMessage{},
		&Config{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_scheduled_thoughts_fire_at ON scheduled_thoughts(fire_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_created_at ON conversation_messages(created_at DESC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp syncs schema then runs the registered data migrations.
func MigrateUp(db *gorm.DB, configDir string) error {
	if err := SyncSchema(db); err != nil {
		return err
	}
	return migration.RunAll(db, configDir)
}
