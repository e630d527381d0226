package database

import (
	"fmt"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultPostgresPort = 5432
	defaultMySQLPort    = 3306

	// Every rotation holds one connection for the length of its transaction.
	defaultServerMaxOpenConns = 10
	defaultServerMaxIdleConns = 5
)

func newPostgreSQL(config models.DatabaseConfig) (*DB, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			config.Host,
			portOrDefault(config.Port, defaultPostgresPort),
			config.Username,
			config.Password,
			config.Database,
			sslModeOrDefault(config.SSLMode),
		)
	}
	return openServer(postgres.Open(dsn), "postgres", config)
}

func newMySQL(config models.DatabaseConfig) (*DB, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
			config.Username,
			config.Password,
			config.Host,
			portOrDefault(config.Port, defaultMySQLPort),
			config.Database,
		)
	}
	return openServer(mysql.Open(dsn), "mysql", config)
}

// openServer opens a networked database and applies pool limits sized for the
// key store when the config leaves them unset.
func openServer(dialector gorm.Dialector, driverName string, config models.DatabaseConfig) (*DB, error) {
	gormDB, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driverName, err)
	}

	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = defaultServerMaxOpenConns
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = defaultServerMaxIdleConns
	}

	db := &DB{
		DB:         gormDB,
		config:     config,
		driverName: driverName,
	}
	db.setConnectionPool()

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driverName, err)
	}
	return db, nil
}

func portOrDefault(port, def int) int {
	if port <= 0 {
		return def
	}
	return port
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
