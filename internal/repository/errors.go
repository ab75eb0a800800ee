package repository

import "errors"

var (
	// ErrNotFound is returned when a required row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoRowsAffected is returned when an update or delete matched nothing.
	ErrNoRowsAffected = errors.New("0 rows affected")
)
