// Package pgstore is the Postgres reservation store for multi-process deployments.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"biblio/internal/database"
	"biblio/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool            *pgxpool.Pool
	loc             *time.Location
	logger          *zerolog.Logger
	defaultPriority int
}

// New connects, migrates and returns a store. Errors are the database package sentinels.
func New(ctx context.Context, dsn string, loc *time.Location, logger *zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	logger.Info().Msg("Postgres store initialized")
	return &Store{pool: pool, loc: loc, logger: logger, defaultPriority: models.DefaultPriority}, nil
}

// Migrate applies the embedded postgres migrations through a database/sql view of the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]int64, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
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

func (s *Store) SetDefaultPriority(p int) {
	if p > 0 {
		s.defaultPriority = p
	}
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const selectReservations = `SELECT r.id, COALESCE(u.id, 0), r.codice_fiscale, r.cognome_nome, r.email,
       r.selected_date, r.start_time, r.end_time, r.duration, r.status,
       r.retries, r.booking_code, r.status_change,
       COALESCE(u.priority, $1) AS priority, COALESCE(r.chat_id, u.chat_id, 0),
       r.created_at, r.updated_at
FROM reservations r
LEFT JOIN users u ON u.codice_fiscale = r.codice_fiscale`

const claimOrder = `priority ASC, r.selected_date ASC, r.duration DESC, r.start_time ASC`

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(
		&r.ID, &r.UserID, &r.Owner.CodiceFiscale, &r.Owner.Name, &r.Owner.Email,
		&r.SelectedDate, &r.StartTime, &r.EndTime, &r.Duration, &r.Status,
		&r.Retries, &r.BookingCode, &r.StatusChange,
		&r.Priority, &r.ChatID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collect(rows pgx.Rows) ([]*models.Reservation, error) {
	defer rows.Close()
	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func (s *Store) Create(ctx context.Context, r *models.Reservation) error {
	if err := database.PrepareReservation(r); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO reservations (
			id, user_id, codice_fiscale, cognome_nome, email,
			selected_date, start_time, end_time, duration, status,
			retries, booking_code, status_change, chat_id, created_at, updated_at
		) VALUES ($1, (SELECT id FROM users WHERE codice_fiscale = $2), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.Owner.CodiceFiscale, r.Owner.Name, r.Owner.Email,
		r.SelectedDate, r.StartTime, r.EndTime, r.Duration, r.Status,
		r.Retries, r.BookingCode, r.StatusChange, nullable(r.ChatID), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, selectReservations+` WHERE r.id = $2`, s.defaultPriority, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

func (s *Store) ListByDate(ctx context.Context, date string) ([]*models.Reservation, error) {
	rows, err := s.pool.Query(ctx, selectReservations+` WHERE r.selected_date = $2 ORDER BY `+claimOrder, s.defaultPriority, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return collect(rows)
}

// Claim locks claimable rows with SKIP LOCKED so concurrent engines split the work.
func (s *Store) Claim(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	if limit <= 0 {
		limit = models.DefaultClaimLimit
	}
	date := now.In(s.loc).Format(models.DateLayout)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx,
		selectReservations+` WHERE r.selected_date = $2 AND r.status IN ($3, $4)
		ORDER BY `+claimOrder+` LIMIT $5 FOR UPDATE OF r SKIP LOCKED`,
		s.defaultPriority, date, models.StatusPending, models.StatusFail, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable reservations: %w", err)
	}
	claimed, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, r := range claimed {
		ids[i] = r.ID
	}
	stamp := now.UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
		models.StatusProcessing, stamp, ids); err != nil {
		return nil, fmt.Errorf("failed to mark reservations processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for _, r := range claimed {
		r.OriginalStatus = r.Status
		r.Status = models.StatusProcessing
		r.UpdatedAt = stamp
	}
	return claimed, nil
}

func (s *Store) Update(ctx context.Context, id string, upd models.ReservationUpdate) error {
	if !upd.Status.Valid() {
		return fmt.Errorf("invalid status %q", upd.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		current models.Status
		retries int
	)
	err = tx.QueryRow(ctx, `SELECT status, retries FROM reservations WHERE id = $1 FOR UPDATE`, id).Scan(&current, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reservation: %w", err)
	}
	if err := database.CheckUpdate(current, retries, &upd); err != nil {
		return err
	}

	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = tx.Exec(ctx, `UPDATE reservations
		SET status = $1, booking_code = COALESCE(NULLIF($2, ''), booking_code),
		    retries = $3, status_change = $4, updated_at = $5
		WHERE id = $6`,
		upd.Status, upd.BookingCode, upd.Retries, upd.StatusChange, updatedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Sweep(ctx context.Context, now time.Time, staleAfter, grace time.Duration) ([]*models.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx,
		selectReservations+` WHERE r.status IN ($2, $3) AND r.updated_at < $4
		ORDER BY r.updated_at ASC FOR UPDATE OF r SKIP LOCKED`,
		s.defaultPriority, models.StatusProcessing, models.StatusAwaiting, now.Add(-staleAfter).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select stale reservations: %w", err)
	}
	stale, err := collect(rows)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	batch := &pgx.Batch{}
	for _, r := range stale {
		database.SweepOutcome(r, now, grace, s.loc)
		r.UpdatedAt = stamp
		batch.Queue(`UPDATE reservations SET status = $1, booking_code = $2, retries = $3, status_change = TRUE, updated_at = $4 WHERE id = $5`,
			r.Status, r.BookingCode, r.Retries, stamp, r.ID)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("failed to sweep reservations: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	if len(stale) > 0 {
		s.logger.Info().Int("count", len(stale)).Msg("Swept stale reservations")
	}
	return stale, nil
}

func (s *Store) MarkCanceled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reservations SET status = $1, status_change = TRUE, updated_at = $2 WHERE id = $3 AND status <> $1`,
		models.StatusCanceled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel reservation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

func (s *Store) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id FROM users WHERE chat_id IS NOT NULL
		UNION
		SELECT chat_id FROM reservations WHERE chat_id IS NOT NULL
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat ids: %w", err)
	}
	return ids, nil
}

func (s *Store) CreateOrUpdateUser(ctx context.Context, user *models.User) error {
	user.CodiceFiscale = strings.ToUpper(strings.TrimSpace(user.CodiceFiscale))
	if user.Priority == 0 {
		user.Priority = s.defaultPriority
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO users (codice_fiscale, name, email, chat_id, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (codice_fiscale) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			chat_id = COALESCE(EXCLUDED.chat_id, users.chat_id),
			updated_at = EXCLUDED.updated_at`,
		user.CodiceFiscale, user.Name, user.Email, nullable(user.ChatID), user.Priority, now)
	if err != nil {
		return fmt.Errorf("failed to create or update user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByCodiceFiscale(ctx context.Context, codiceFiscale string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, codice_fiscale, name, email, COALESCE(chat_id, 0), priority, created_at, updated_at
		FROM users WHERE codice_fiscale = $1`, strings.ToUpper(codiceFiscale)).Scan(
		&u.ID, &u.CodiceFiscale, &u.Name, &u.Email, &u.ChatID, &u.Priority, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) SyncPriorities(ctx context.Context, priorities map[string]int, def int) (int, error) {
	if def <= 0 {
		def = s.defaultPriority
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE users SET priority = $1, updated_at = $2`, def, now); err != nil {
		return 0, fmt.Errorf("failed to reset priorities: %w", err)
	}
	matched := 0
	for cf, p := range priorities {
		tag, err := tx.Exec(ctx, `UPDATE users SET priority = $1, updated_at = $2 WHERE codice_fiscale = $3`,
			p, now, strings.ToUpper(cf))
		if err != nil {
			return 0, fmt.Errorf("failed to set priority for %s: %w", cf, err)
		}
		matched += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit priorities: %w", err)
	}
	s.logger.Info().Int("matched", matched).Int("table", len(priorities)).Msg("User priorities synced")
	return matched, nil
}
