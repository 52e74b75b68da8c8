package models

import "errors"

var (
	// ErrDuplicateEmail is returned by the store when an insert collides with an existing normalized email.
	ErrDuplicateEmail = errors.New("contact with this email already exists")
	// ErrContactNotFound is returned when a contact id does not resolve.
	ErrContactNotFound = errors.New("contact not found")
)
