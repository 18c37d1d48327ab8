// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type UserID string

type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

func validateDisplayName(displayName string) error {
	if len(displayName) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName string) (*User, error) {
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), DisplayName: displayName}, nil
}

func (u *User) SetDisplayName(displayName string) error {
	if err := validateDisplayName(displayName); err != nil {
		return err
	}
	u.DisplayName = displayName
	return nil
}
