package db

import (
	"context"
	"fmt"
	"time"

	"github.com/togetherinbloom/server/config"
	dbmysql "github.com/togetherinbloom/server/db/mysql"
	dbpostgres "github.com/togetherinbloom/server/db/postgres"
	dbsqlite "github.com/togetherinbloom/server/db/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModeMySQL    = "mysql"
	ModePostgres = "postgres"
)

// Open connects to the configured database and checks it answers.
//
// SQLite, file or memory, is pinned to one connection: it allows a single
// writer, and every extra :memory: connection would see an empty database.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, singleConn, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if singleConn {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
		sqlDB.SetMaxIdleConns(cfg.MaxIdle)
		sqlDB.SetConnMaxLifetime(cfg.MaxLife)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: %s unreachable: %w", cfg.Mode, err)
	}
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (d gorm.Dialector, singleConn bool, err error) {
	switch cfg.Mode {
	case ModeMemory:
		return dbsqlite.Memory(), true, nil
	case ModeSQLite:
		d, err = dbsqlite.File(cfg.SQLitePath)
		return d, true, err
	case ModeMySQL:
		d, err = dbmysql.Dialector(cfg.MySQLDSN)
		return d, false, err
	case ModePostgres:
		if cfg.PostgresDSN == "" {
			return nil, false, fmt.Errorf("db: postgres_dsn is required")
		}
		return dbpostgres.Dialector(cfg.PostgresDSN), false, nil
	default:
		return nil, false, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}

// gormConfig is shared by every driver. Timestamps are stored in UTC so
// created_at ordering is consistent across drivers.
func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
		// Unique violations surface as gorm.ErrDuplicatedKey on every driver.
		TranslateError: true,
		// Profiles are created alongside accounts by the service layer.
		DisableForeignKeyConstraintWhenMigrating: true,
	}
}
