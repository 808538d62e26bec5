// Package uuidv7 issues time-ordered RFC 9562 v7 ids. All entity ids in the
// service come from here so that index locality follows creation order.
package uuidv7

import "github.com/google/uuid"

func New() (uuid.UUID, error) {
	return uuid.NewV7()
}

// NewString is New rendered in the canonical 36-char form.
func NewString() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
