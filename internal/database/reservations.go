package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"biblio/internal/models"

	"github.com/google/uuid"
)

const claimOrder = `priority ASC, r.selected_date ASC, r.duration DESC, r.start_time ASC`

func (db *DB) selectReservations() string {
	return fmt.Sprintf(`SELECT r.id, COALESCE(u.id, 0), r.codice_fiscale, r.cognome_nome, r.email,
	               r.selected_date, r.start_time, r.end_time, r.duration, r.status,
	               r.retries, r.booking_code, r.status_change,
	               COALESCE(u.priority, %d) AS priority, COALESCE(r.chat_id, u.chat_id, 0),
	               r.created_at, r.updated_at
	        FROM reservations r
	        LEFT JOIN users u ON u.codice_fiscale = r.codice_fiscale`, db.defaultPriority)
}

func scanReservation(row scanner) (*models.Reservation, error) {
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

func collectReservations(rows *sql.Rows) ([]*models.Reservation, error) {
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts a new pending reservation. ID, end time and timestamps are filled in when absent.
func (db *DB) Create(ctx context.Context, r *models.Reservation) error {
	if err := PrepareReservation(r); err != nil {
		return err
	}

	query := `INSERT INTO reservations (
				id, user_id, codice_fiscale, cognome_nome, email,
				selected_date, start_time, end_time, duration, status,
				retries, booking_code, status_change, chat_id, created_at, updated_at
			) VALUES (?, (SELECT id FROM users WHERE codice_fiscale = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.Owner.CodiceFiscale, r.Owner.CodiceFiscale, r.Owner.Name, r.Owner.Email,
		r.SelectedDate, r.StartTime, r.EndTime, r.Duration, r.Status,
		r.Retries, r.BookingCode, r.StatusChange, nullInt64(r.ChatID), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// PrepareReservation normalizes a record before insert.
func PrepareReservation(r *models.Reservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Owner.CodiceFiscale = strings.ToUpper(strings.TrimSpace(r.Owner.CodiceFiscale))
	if r.Duration < 1 {
		return fmt.Errorf("duration must be positive, got %d", r.Duration)
	}
	if _, err := time.Parse(models.DateLayout, r.SelectedDate); err != nil {
		return fmt.Errorf("invalid selected_date %q: %w", r.SelectedDate, err)
	}
	if r.EndTime == "" {
		end, err := models.EndTimeFor(r.StartTime, r.Duration)
		if err != nil {
			return err
		}
		r.EndTime = end
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.BookingCode == "" {
		r.BookingCode = models.CodeTBD
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id string) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, db.selectReservations()+` WHERE r.id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// ListByDate returns the requests for one date in claim order.
func (db *DB) ListByDate(ctx context.Context, date string) ([]*models.Reservation, error) {
	rows, err := db.QueryContext(ctx, db.selectReservations()+` WHERE r.selected_date = ? ORDER BY `+claimOrder, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return collectReservations(rows)
}

// Claim selects today's pending and failed requests and marks them processing in one transaction.
func (db *DB) Claim(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	if limit <= 0 {
		limit = models.DefaultClaimLimit
	}
	date := now.In(db.loc).Format(models.DateLayout)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		db.selectReservations()+` WHERE r.selected_date = ? AND r.status IN (?, ?) ORDER BY `+claimOrder+` LIMIT ?`,
		date, models.StatusPending, models.StatusFail, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable reservations: %w", err)
	}
	claimed, err := collectReservations(rows)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	for _, r := range claimed {
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`,
			models.StatusProcessing, stamp, r.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark reservation %s processing: %w", r.ID, err)
		}
		r.OriginalStatus = r.Status
		r.Status = models.StatusProcessing
		r.UpdatedAt = stamp
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// Update writes the outcome of a pipeline pass. It refuses terminal records and lower retries.
func (db *DB) Update(ctx context.Context, id string, upd models.ReservationUpdate) error {
	if !upd.Status.Valid() {
		return fmt.Errorf("invalid status %q", upd.Status)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		current models.Status
		retries int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, retries FROM reservations WHERE id = ?`, id).Scan(&current, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reservation: %w", err)
	}
	if err := CheckUpdate(current, retries, &upd); err != nil {
		return err
	}

	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE reservations
		 SET status = ?, booking_code = COALESCE(NULLIF(?, ''), booking_code),
		     retries = ?, status_change = ?, updated_at = ?
		 WHERE id = ?`,
		upd.Status, upd.BookingCode, upd.Retries, upd.StatusChange, updatedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return tx.Commit()
}

// CheckUpdate enforces the write guards shared by every store.
// A confirmed outcome (success, existing) arriving after a sweep already counted a retry
// is still written; its retries are raised to the stored value instead of being refused.
func CheckUpdate(current models.Status, retries int, upd *models.ReservationUpdate) error {
	if current.Terminal() {
		return ErrTerminal
	}
	if upd.Retries < retries {
		if upd.Status == models.StatusSuccess || upd.Status == models.StatusExisting {
			upd.Retries = retries
			return nil
		}
		return fmt.Errorf("%w: %d < %d", ErrRetriesDecrease, upd.Retries, retries)
	}
	return nil
}

// Sweep recovers records a crashed or overrunning pass left in flight.
func (db *DB) Sweep(ctx context.Context, now time.Time, staleAfter, grace time.Duration) ([]*models.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		db.selectReservations()+` WHERE r.status IN (?, ?) AND r.updated_at < ? ORDER BY r.updated_at ASC`,
		models.StatusProcessing, models.StatusAwaiting, now.Add(-staleAfter).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select stale reservations: %w", err)
	}
	stale, err := collectReservations(rows)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	for _, r := range stale {
		SweepOutcome(r, now, grace, db.loc)
		r.UpdatedAt = stamp
		_, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = ?, booking_code = ?, retries = ?, status_change = 1, updated_at = ? WHERE id = ?`,
			r.Status, r.BookingCode, r.Retries, stamp, r.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to sweep reservation %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	if len(stale) > 0 {
		db.logger.Info().Int("count", len(stale)).Msg("Swept stale reservations")
	}
	return stale, nil
}

// SweepOutcome applies the sweep transition to r in memory: terminated when the slot
// started more than grace ago, fail otherwise. Retries always grow by one.
func SweepOutcome(r *models.Reservation, now time.Time, grace time.Duration, loc *time.Location) {
	r.OriginalStatus = r.Status
	r.Retries++
	r.StatusChange = true

	start, err := r.SlotStart(loc)
	if err != nil || start.Add(grace).Before(now) {
		r.Status = models.StatusTerminated
		r.BookingCode = models.CodeClosed
		return
	}
	r.Status = models.StatusFail
}

// MarkCanceled moves a request to canceled. Canceling twice is not an error.
func (db *DB) MarkCanceled(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE reservations SET status = ?, status_change = 1, updated_at = ? WHERE id = ? AND status != ?`,
		models.StatusCanceled, time.Now().UTC(), id, models.StatusCanceled)
	if err != nil {
		return fmt.Errorf("failed to cancel reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := db.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// ChatIDs returns every distinct chat id known to the store.
func (db *DB) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id FROM users WHERE chat_id IS NOT NULL
		UNION
		SELECT chat_id FROM reservations WHERE chat_id IS NOT NULL
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
