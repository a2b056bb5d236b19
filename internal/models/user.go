package models

import "time"

type User struct {
	ID            int64     `json:"id"`
	CodiceFiscale string    `json:"codice_fiscale"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	ChatID        int64     `json:"chat_id,omitempty"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (u *User) Owner() Owner {
	return Owner{CodiceFiscale: u.CodiceFiscale, Name: u.Name, Email: u.Email}
}
