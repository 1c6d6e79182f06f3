package app

import "errors"

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrProblemNotFound = errors.New("problem not found")

	// ErrInvalidHouse is returned when an update references a house that does not exist.
	ErrInvalidHouse = errors.New("Invalid house_id")

	ErrMessageRequired = errors.New("message required")
	ErrInvalidListing  = errors.New("invalid estate listing")

	// ErrArchiveDisabled means no object storage is configured.
	ErrArchiveDisabled = errors.New("report archive not configured")

	// ErrInvalidCredentials is shown to clients as is; it must not reveal which part was wrong.
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAdminDisabled      = errors.New("admin access not configured")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)
