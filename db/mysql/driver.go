// Package mysql builds the MySQL dialector.
package mysql

import (
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Dialector parses dsn and forces the settings the models rely on: DATETIME
// columns scan into time.Time and are read back as UTC.
func Dialector(dsn string) (gorm.Dialector, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return mysql.Open(cfg.FormatDSN()), nil
}
