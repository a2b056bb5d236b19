package domain

import (
	"context"
	"errors"
	"time"

	"biblio/internal/models"
	"biblio/internal/reservation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrUndeliverable marks a Sender failure that retrying cannot fix (blocked bot, unknown chat).
var ErrUndeliverable = errors.New("recipient cannot be reached")

// Store is the boundary the engine and the sweep work through.
type Store interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error)
	Update(ctx context.Context, id string, upd models.ReservationUpdate) error
	Sweep(ctx context.Context, now time.Time, staleAfter, grace time.Duration) ([]*models.Reservation, error)
	ChatIDs(ctx context.Context) ([]int64, error)
}

// Repository is the full storage surface used by the API and the operator CLI.
type Repository interface {
	Store
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Create(ctx context.Context, r *models.Reservation) error
	ListByDate(ctx context.Context, date string) ([]*models.Reservation, error)
	MarkCanceled(ctx context.Context, id string) error
	CreateOrUpdateUser(ctx context.Context, user *models.User) error
	GetUserByCodiceFiscale(ctx context.Context, codiceFiscale string) (*models.User, error)
	SyncPriorities(ctx context.Context, priorities map[string]int, def int) (int, error)
	PingContext(ctx context.Context) error
	Close() error
}

// EntryClient is the upstream booking API.
type EntryClient interface {
	CreateEntry(ctx context.Context, slot reservation.Slot, owner models.Owner, timeout reservation.Timeout) (reservation.Entry, error)
	ConfirmEntry(ctx context.Context, token string, retriesSoFar int) (map[string]any, error)
}

type SlotResolver interface {
	IdentifySlot(date, start string, duration int) (reservation.Slot, error)
}

// Notifier decides whether a finished pass is worth a message and delivers it.
// prevRetries is the retry count before the pass. Delivery errors never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, r *models.Reservation, prevRetries int)
}

type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Lease guards a record against concurrent processing across processes.
type Lease interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
