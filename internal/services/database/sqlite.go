package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newSQLite(config models.DatabaseConfig) (*DB, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for SQLite")
	}

	if dir := filepath.Dir(config.FilePath); dir != "." && !strings.HasPrefix(config.FilePath, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
	}

	gormDB, err := gorm.Open(sqlite.Open(sqliteDSN(config.FilePath)), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One writer at a time; the key store serializes access on top of this.
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 1
	}

	db := &DB{
		DB:         gormDB,
		config:     config,
		driverName: "sqlite3",
	}

	db.setConnectionPool()

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}

	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_busy_timeout=5000"
}
