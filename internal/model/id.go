package model

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Version 7 ids sort by creation time, which
// the order book relies on as its final tie-break.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
