package storage

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"fundcard/services/redeemd/config"
	"fundcard/services/redeemd/models"
)

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)

	dsn, err := FileDSN("data/redeemd.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "journal_mode(WAL)")
}

func TestOpenSQLiteMigrates(t *testing.T) {
	db, err := Open(config.DatabaseConfig{
		Driver:           "sqlite",
		Path:             filepath.Join(t.TempDir(), "redeemd.sqlite"),
		MaxOpenConns:     4,
		MigrateDirectory: true,
	})
	require.NoError(t, err)
	require.True(t, db.Migrator().HasTable(&models.Redemption{}))
	require.True(t, db.Migrator().HasTable(&models.HolderQuota{}))
	require.True(t, db.Migrator().HasTable(&models.OfferRecord{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	_, err = Open(config.DatabaseConfig{Driver: "postgres"})
	require.Error(t, err)
}
