package models

import "time"

// Notification is a queued chat message waiting for delivery.
type Notification struct {
	ID            string    `json:"id"`
	ChatID        int64     `json:"chat_id"`
	Text          string    `json:"text"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
