package db

import "errors"

// ErrNotFound is returned by lookup queries that matched no rows.
var ErrNotFound = errors.New("not found")

// IgnoreErrNotFound drops ErrNotFound and keeps any other error.
func IgnoreErrNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
