// Package service is the surface the rest of the application programs
// against: library management, follows, listening, metadata mutations. It
// hides the federation plumbing behind plain operations.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/domain"
)

var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid")
	ErrForbidden    = errors.New("forbidden")
)

type Service interface {
	// CreateLibrary creates a library owned by the local actor and announces
	// nothing; libraries only become visible when followed or public.
	CreateLibrary(ctx context.Context, actorID int64, name, description, privacy string) (domain.Library, error)
	// UpdateLibrary changes a library's metadata and pushes an Update to its
	// followers.
	UpdateLibrary(ctx context.Context, actorID, libraryID int64, name, description, privacy string) (domain.Library, error)
	// DeleteLibrary removes the library along with its uploads and notifies
	// followers.
	DeleteLibrary(ctx context.Context, actorID, libraryID int64) error
	// PublishUploads announces finished uploads in a library to its
	// followers, one Create per upload.
	PublishUploads(ctx context.Context, actorID, libraryID int64, uploadIDs []int64) error

	// FollowRemoteLibrary fetches the library at libraryUrl if needed and
	// sends a Follow on behalf of the local actor.
	FollowRemoteLibrary(ctx context.Context, actorID int64, libraryUrl string) (domain.LibraryFollow, error)
	// UnfollowLibrary undoes an earlier follow.
	UnfollowLibrary(ctx context.Context, actorID, libraryID int64) error
	// ReviewFollow lets a library owner approve or reject a pending follow
	// on one of their libraries. Approval triggers the Accept activity.
	ReviewFollow(ctx context.Context, ownerID, followID int64, approved bool) error

	// DeleteActor broadcasts the deletion of a local actor, purges the
	// content they own, and tombstones the actor record so the fid keeps
	// resolving. A delayed key rotation is scheduled afterwards.
	DeleteActor(ctx context.Context, actorID int64) error
	// SetDomainAllowed adds a domain to or removes it from the allow list.
	SetDomainAllowed(ctx context.Context, name string, allowed bool) error
	// PurgeDomains removes everything stored on behalf of actors from the
	// given domains: follows, uploads, libraries, inbox items, activities.
	PurgeDomains(ctx context.Context, names []string) error

	// RequestFetch schedules a fetch of a remote object. Accepts both plain
	// urls and webfinger://user@domain references.
	RequestFetch(ctx context.Context, actorID int64, url string) (domain.Fetch, error)
	// GetFetch returns the current state of a fetch by its public id.
	GetFetch(ctx context.Context, id uuid.UUID) (domain.Fetch, error)

	// Listen returns a local file path with the upload's audio, fetching
	// remote bytes into the cache on first use.
	Listen(ctx context.Context, uploadUuid uuid.UUID) (string, domain.Upload, error)

	// SuggestMutation records a proposed metadata change on a track.
	SuggestMutation(ctx context.Context, actorID, trackID int64, payload map[string]string) (domain.Mutation, error)
	// ReviewMutation approves or rejects a pending mutation; approved
	// mutations are applied immediately with a snapshot of the previous
	// state for auditing.
	ReviewMutation(ctx context.Context, reviewerID int64, mutationUuid uuid.UUID, approved bool) error
}
