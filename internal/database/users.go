package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"biblio/internal/models"
)

// CreateOrUpdateUser upserts by codice fiscale. Priority is only set on insert;
// the priority sync owns it afterwards.
func (db *DB) CreateOrUpdateUser(ctx context.Context, user *models.User) error {
	user.CodiceFiscale = strings.ToUpper(strings.TrimSpace(user.CodiceFiscale))
	if user.Priority == 0 {
		user.Priority = db.defaultPriority
	}

	query := `INSERT INTO users (codice_fiscale, name, email, chat_id, priority, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(codice_fiscale) DO UPDATE SET
                name = excluded.name,
                email = excluded.email,
                chat_id = COALESCE(excluded.chat_id, users.chat_id),
                updated_at = excluded.updated_at`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		user.CodiceFiscale,
		user.Name,
		user.Email,
		nullInt64(user.ChatID),
		user.Priority,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create or update user: %w", err)
	}
	return nil
}

func (db *DB) GetUserByCodiceFiscale(ctx context.Context, codiceFiscale string) (*models.User, error) {
	query := `SELECT id, codice_fiscale, name, email, COALESCE(chat_id, 0), priority, created_at, updated_at
              FROM users WHERE codice_fiscale = ?`
	var u models.User
	err := db.QueryRowContext(ctx, query, strings.ToUpper(codiceFiscale)).Scan(
		&u.ID, &u.CodiceFiscale, &u.Name, &u.Email, &u.ChatID, &u.Priority, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SyncPriorities resets every user to def and applies the table in one transaction.
// It returns how many users matched the table.
func (db *DB) SyncPriorities(ctx context.Context, priorities map[string]int, def int) (int, error) {
	if def <= 0 {
		def = db.defaultPriority
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE users SET priority = ?, updated_at = ?`, def, now); err != nil {
		return 0, fmt.Errorf("failed to reset priorities: %w", err)
	}

	matched := 0
	for cf, p := range priorities {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET priority = ?, updated_at = ? WHERE codice_fiscale = ?`,
			p, now, strings.ToUpper(cf))
		if err != nil {
			return 0, fmt.Errorf("failed to set priority for %s: %w", cf, err)
		}
		n, _ := res.RowsAffected()
		matched += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit priorities: %w", err)
	}
	db.logger.Info().Int("matched", matched).Int("table", len(priorities)).Msg("User priorities synced")
	return matched, nil
}
