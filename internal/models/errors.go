package models

import "errors"

// Error kinds. Operations wrap one of these so callers can map them with errors.Is.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrStorage         = errors.New("storage error")
	ErrUpstream        = errors.New("upstream error")
	ErrMissingIdentity = errors.New("missing identity")
)
