package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"biblio/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound        = errors.New("reservation not found")
	ErrTerminal        = errors.New("reservation is in a terminal status")
	ErrRetriesDecrease = errors.New("retries cannot decrease")
	ErrUserNotFound    = errors.New("user not found")
)

type DB struct {
	*sql.DB
	loc             *time.Location
	logger          *zerolog.Logger
	defaultPriority int
}

// NewDB opens the sqlite store and applies pending migrations.
// Dates of claim and sweep are evaluated in loc.
func NewDB(path string, loc *time.Location, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// claim и update должны сериализоваться; одна запись в sqlite за раз
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := Migrate(context.Background(), sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: sqlDB, loc: loc, logger: logger, defaultPriority: models.DefaultPriority}, nil
}

// Migrate applies the embedded sqlite migrations and returns the versions applied.
func Migrate(ctx context.Context, db *sql.DB) ([]int64, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// SetDefaultPriority sets the priority used for owners without a users row.
func (db *DB) SetDefaultPriority(p int) {
	if p > 0 {
		db.defaultPriority = p
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
