package migrate

import "errors"

var (
	// ErrChecksumMismatch is returned when an applied migration's recorded
	// checksum no longer matches its source. The schema can no longer be
	// trusted to equal the recorded sequence, so this is fatal.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrUnknownMigration is returned when the record lists a migration the
	// source does not contain.
	ErrUnknownMigration = errors.New("recorded migration not found in source")

	// ErrUnknownTarget is returned when an upgrade or downgrade target does
	// not name a source migration.
	ErrUnknownTarget = errors.New("target migration not found in source")

	// ErrDowngradeTarget is returned when downgrade is requested without an
	// explicit target. Downgrade never runs with an implicit default.
	ErrDowngradeTarget = errors.New("downgrade requires an explicit target")

	// ErrInvalidMode is returned when the configured migration mode is not
	// one of upgrade, downgrade or generate.
	ErrInvalidMode = errors.New("invalid migration mode")
)
