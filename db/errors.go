package db

import (
	"strings"

	"github.com/teranos/tessera/errors"
)

// ErrDatabaseClosed is returned when the history store is used after Close,
// typically while the executor shuts down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone. Driver
// errors are matched on their message since they cannot be wrapped at the
// source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
