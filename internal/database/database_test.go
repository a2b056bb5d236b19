package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"biblio/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rome = mustLoad("Europe/Rome")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(os.Stdout)
	db, err := NewDB(":memory:", rome, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newReservation(cf, date, start string, duration int) *models.Reservation {
	return &models.Reservation{
		Owner:        models.Owner{CodiceFiscale: cf, Name: "Test " + cf[:3], Email: "test@example.com"},
		SelectedDate: date,
		StartTime:    start,
		Duration:     duration,
	}
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, rome, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	applied, err := Migrate(context.Background(), db.DB)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run must not reapply migrations")
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}
