package core

import (
	"github.com/google/uuid"
)

// NewID returns a time-sortable UUIDv7 string.
// Falls back to a random v4 if the v7 clock read fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
