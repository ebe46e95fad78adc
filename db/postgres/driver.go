// Package postgres builds the PostgreSQL (pgx) dialector.
package postgres

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Dialector returns the pgx dialector for dsn. Both URL and key=value DSNs
// are accepted.
func Dialector(dsn string) gorm.Dialector {
	return postgres.New(postgres.Config{DSN: dsn})
}
