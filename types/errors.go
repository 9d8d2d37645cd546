package types

import "errors"

// Base error kinds. Package level sentinels wrap one of them so callers can
// tell configuration mistakes from missing data with errors.Is.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConfiguration = errors.New("configuration error")
)
