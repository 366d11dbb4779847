package db

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique business key (fid, follow pair)
	// already exists. Callers use it to make replays idempotent.
	ErrDuplicate = errors.New("already exists")
	ErrInternal  = errors.New("internal database error")
)

// DB is the full persistence surface of the federation core. External
// subsystems (playlists, favorites, the Subsonic shim…) are expected to
// collaborate through these interfaces rather than touching the store.
type DB interface {
	Actors
	Libraries
	Music
	Activities
}
