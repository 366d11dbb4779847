package db

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/perlatus/fonoteca/internal/domain"
)

type Libraries interface {
	CreateLibrary(ctx context.Context, library domain.Library) (domain.Library, error)
	GetLibraryByID(ctx context.Context, id int64) (domain.Library, error)
	GetLibraryByUuid(ctx context.Context, id uuid.UUID) (domain.Library, error)
	GetLibraryByFid(ctx context.Context, fid *url.URL) (domain.Library, error)
	// GetLibraryByFollowersUrl resolves a followers collection id, as used in
	// activity addressing, back to its library.
	GetLibraryByFollowersUrl(ctx context.Context, followersUrl *url.URL) (domain.Library, error)
	LibrariesForActor(ctx context.Context, actorID int64) ([]domain.Library, error)
	// UpdateLibrary refreshes the mutable metadata: name, description,
	// privacy level and uploads count.
	UpdateLibrary(ctx context.Context, library domain.Library) error
	// DeleteLibrary removes the library and cascades to its uploads. Callers
	// must first check that no approved follow remains.
	DeleteLibrary(ctx context.Context, id int64) error

	// CreateFollow inserts a pending follow. ErrDuplicate is returned when a
	// follow for the same (actor, library) pair already exists, which makes
	// replayed Follow activities a no-op.
	CreateFollow(ctx context.Context, follow domain.LibraryFollow) (domain.LibraryFollow, error)
	GetFollow(ctx context.Context, actorID, libraryID int64) (domain.LibraryFollow, error)
	GetFollowByID(ctx context.Context, id int64) (domain.LibraryFollow, error)
	GetFollowByFid(ctx context.Context, fid *url.URL) (domain.LibraryFollow, error)
	// SetFollowApproved moves the follow out of the pending state. Transitions
	// from rejected back to pending or approved are refused.
	SetFollowApproved(ctx context.Context, id int64, approved bool) error
	DeleteFollow(ctx context.Context, id int64) error
	// ApprovedFollowers returns the actors whose follow on the library has
	// been approved, in follow creation order.
	ApprovedFollowers(ctx context.Context, libraryID int64) ([]domain.Actor, error)
	HasApprovedFollow(ctx context.Context, actorID, libraryID int64) (bool, error)
	HasAnyApprovedFollow(ctx context.Context, libraryID int64) (bool, error)

	GetScanCheckpoint(ctx context.Context, libraryID int64) (domain.ScanCheckpoint, error)
	SetScanCheckpoint(ctx context.Context, libraryID, page int64) error
	ClearScanCheckpoint(ctx context.Context, libraryID int64) error
}
