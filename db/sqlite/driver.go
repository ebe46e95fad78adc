// Package sqlite builds SQLite dialectors for a file or a private in-memory
// database.
package sqlite

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// File returns a dialector for the database at path, creating its directory.
// Writers wait up to five seconds for the lock instead of failing at once.
func File(path string) (gorm.Dialector, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return sqlite.Open(path + "?_busy_timeout=5000"), nil
}

// Memory returns a dialector for a database that lives only as long as its
// single connection.
func Memory() gorm.Dialector {
	return sqlite.Open(":memory:")
}
