package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotPending    = errors.New("contract is not pending")
)
