package store

import "time"

// Flag is a stored per-user value.
type Flag struct {
	Name      string
	Value     string
	UpdatedAt time.Time
}
