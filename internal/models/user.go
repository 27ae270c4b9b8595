package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a chat user. Only identity and display name matter to the call core;
// profiles, avatars and the rest live elsewhere.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Password    string    `json:"-"` // bcrypt hash
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserPublic is the user shape safe to return to clients.
type UserPublic struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Public converts a User to its client-safe shape.
func (u *User) Public() UserPublic {
	return UserPublic{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt}
}
