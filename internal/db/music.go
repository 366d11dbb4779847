package db

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/perlatus/fonoteca/internal/domain"
)

type Music interface {
	// UpsertUpload inserts the upload or refreshes it when a row with the same
	// fid exists. The cached audio file path is preserved on conflict.
	UpsertUpload(ctx context.Context, upload domain.Upload) (domain.Upload, error)
	GetUploadByID(ctx context.Context, id int64) (domain.Upload, error)
	GetUploadByUuid(ctx context.Context, id uuid.UUID) (domain.Upload, error)
	GetUploadByFid(ctx context.Context, fid *url.URL) (domain.Upload, error)
	UploadsForLibrary(ctx context.Context, libraryID int64, offset, limit int64) ([]domain.Upload, int64, error)
	SetUploadAudioFile(ctx context.Context, id int64, path string, accessed time.Time) error
	// TouchUpload bumps accessed_date and downloads_count when a cached file
	// is served.
	TouchUpload(ctx context.Context, id int64, accessed time.Time) error
	// EvictableUploads lists cached uploads whose accessed_date is older than
	// the cutoff, so the eviction sweep can clear them.
	EvictableUploads(ctx context.Context, cutoff time.Time) ([]domain.Upload, error)
	ClearUploadAudioFile(ctx context.Context, id int64) error
	// CachedAudioFiles returns every audio_file path currently referenced by
	// an upload. The orphan sweep deletes disk files outside this set.
	CachedAudioFiles(ctx context.Context) ([]string, error)

	GetOrCreateTrack(ctx context.Context, track domain.Track) (domain.Track, error)
	GetTrackByID(ctx context.Context, id int64) (domain.Track, error)
	UpdateTrack(ctx context.Context, track domain.Track) error

	CreateMutation(ctx context.Context, mutation domain.Mutation) (domain.Mutation, error)
	GetMutationByFid(ctx context.Context, fid *url.URL) (domain.Mutation, error)
	GetMutationByUuid(ctx context.Context, id uuid.UUID) (domain.Mutation, error)
	SetMutationApproved(ctx context.Context, id, approvedBy int64, approved bool) error
	// SetMutationApplied stores the pre-application snapshot and flips
	// is_applied. A mutation already applied is left untouched.
	SetMutationApplied(ctx context.Context, id int64, previousState []byte) error
}
