package config

import "errors"

var (
	// ErrMissingDBServer indicates DB_SERVER was not set.
	ErrMissingDBServer = errors.New("DB_SERVER is required")

	// ErrMissingDBCredentials indicates DB_USER or DB_PASSWORD was not set.
	ErrMissingDBCredentials = errors.New("DB_USER and DB_PASSWORD are required")

	// ErrMissingTargetDatabase indicates TARGET_DATABASE was not set.
	ErrMissingTargetDatabase = errors.New("TARGET_DATABASE is required")

	// ErrInvalidStartDate indicates AFASTAMENTO_SYNC_DATA_INICIO could not be
	// parsed as YYYY-MM-DD.
	ErrInvalidStartDate = errors.New("invalid leave sync start date")
)
