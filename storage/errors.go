package storage

import "errors"

// ErrNotFound is returned when a requested key or file does not exist.
var ErrNotFound = errors.New("not found")
