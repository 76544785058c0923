package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transcript indexes one persisted conversation document.
type Transcript struct {
	ID              uint   `gorm:"primaryKey"`
	SessionID       string `gorm:"index"`
	PeerKey         string `gorm:"index;not null"`
	Conversation    int64  `gorm:"not null"`
	RequestKey      string
	Path            string `gorm:"uniqueIndex;not null"`
	MessageCount    int
	CompletionBytes int
	CreatedAt       int64 `gorm:"index"`
}

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// sqlite allows one writer; this also keeps ":memory:" on a single database
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("enabling wal: %w", err)
	}

	if err := db.AutoMigrate(&Transcript{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
