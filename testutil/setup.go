package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/togetherinbloom/server/cache"
	"github.com/togetherinbloom/server/config"
	dbadapter "github.com/togetherinbloom/server/db"
	"github.com/togetherinbloom/server/model"
	"gorm.io/gorm"
)

// SetupTestDB opens a private in-memory sqlite database and runs
// AutoMigrate. It requires no external services and is safe to use in
// parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache opens the in-memory cache and pub/sub. No Redis is
// needed; the cache is closed when the test ends.
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	c, ps, err := cache.Open(config.CacheConfig{})
	require.NoError(t, err, "SetupTestCache: Open")
	t.Cleanup(func() { _ = c.Close() })
	return c, ps
}

// CreateUser inserts an account and its profile. The display name is the
// local part of the email.
func CreateUser(t *testing.T, db *gorm.DB, email string) model.Profile {
	t.Helper()
	acc := &model.Account{
		Email:        email,
		PasswordHash: "x",
		Status:       model.AccountNormal,
	}
	require.NoError(t, db.Create(acc).Error, "CreateUser: account")
	p := model.Profile{
		ID:          acc.ID,
		DisplayName: strings.SplitN(email, "@", 2)[0],
		Email:       email,
	}
	require.NoError(t, db.Create(&p).Error, "CreateUser: profile")
	return p
}

// Connect creates an active partner connection between a and b.
func Connect(t *testing.T, db *gorm.DB, a, b int64) *model.PartnerConnection {
	t.Helper()
	conn := model.NewPartnerConnection(a, b)
	now := time.Now().UTC()
	conn.Status = model.ConnectionActive
	conn.ConnectedAt = &now
	require.NoError(t, db.Create(conn).Error, "Connect")
	return conn
}
