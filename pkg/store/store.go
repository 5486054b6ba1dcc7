// Package store owns the controller's persisted schema. Components receive the
// *gorm.DB returned by Open instead of reaching for a process-wide handle.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Models lists every table the controller migrates.
var Models = []any{
	&Device{},
	&TelemetrySnapshot{},
	&ConfigPackage{},
	&StaticToken{},
	&Setting{},
	&Role{},
	&RolePermission{},
	&User{},
}

// Open connects to the sqlite database at dsn and migrates the schema. A
// plain file path gets its parent directory created and busy-timeout/WAL
// parameters appended.
func Open(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// NormalizeMAC canonicalizes a hardware address for use as a key: trimmed,
// lowercase, with dashes replaced by colons.
func NormalizeMAC(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", ":")
}

// GetSettings reads the given keys from the key/value table. Missing keys are
// absent from the result.
func GetSettings(db *gorm.DB, keys ...string) (map[string]string, error) {
	var rows []Setting
	if err := db.Where("key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// PutSetting inserts or overwrites one key.
func PutSetting(db *gorm.DB, key, value string) error {
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
