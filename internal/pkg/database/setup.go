package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

var DB *gorm.DB

// GetDB returns the process wide database handle set by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Driver returns the configured database driver name.
func Driver() string {
	switch d := strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", DriverPostgres))); d {
	case DriverMySQL, DriverSQLite:
		return d
	default:
		return DriverPostgres
	}
}

// DSN builds the driver specific connection string from the environment.
func DSN(driver string) string {
	switch driver {
	case DriverMySQL:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", ""),
		)
	case DriverSQLite:
		return env.GetEnv("DB_SQLITE_PATH", "contentpass.db")
	default:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
	}
}

// Open connects to the given driver. TranslateError is always on so unique
// violations surface as gorm.ErrDuplicatedKey regardless of the dialect.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{TranslateError: true}
	switch driver {
	case DriverMySQL:
		return gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,   // data source name
			DefaultStringSize:         256,   // default size for string fields
			DisableDatetimePrecision:  false, // created_at ordering needs sub-second precision
			DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
		}), cfg)
	case DriverSQLite:
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return gorm.Open(postgres.Open(dsn), cfg)
	}
}

// SetupDatabase connects with retries. Postgres and MySQL schemas are owned by
// cmd/migrate; SQLite (local dev) is auto-migrated.
func SetupDatabase() {
	var err error
	driver := Driver()
	dsn := DSN(driver)

	for i := 0; i < maxRetries; i++ {
		DB, err = Open(driver, dsn)
		if err == nil {
			if driver == DriverSQLite {
				if err = AutoMigrate(DB); err != nil {
					panic(err)
				}
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// AutoMigrate creates the schema from the gorm models, including the partial
// unique indexes on purchases. Only used for SQLite.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.Purchase{},
		&models.LinkConflict{},
		&models.CheckoutWebhookEvent{},
	)
}
