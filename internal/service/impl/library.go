package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/service"
)

func (s *AppService) CreateLibrary(ctx context.Context, actorID int64, name, description, privacy string) (domain.Library, error) {
	if name == "" {
		return domain.Library{}, fmt.Errorf("%w: library name is required", service.ErrInvalidInput)
	}
	if !validPrivacy(privacy) {
		return domain.Library{}, fmt.Errorf("%w: privacy level %q", service.ErrInvalidInput, privacy)
	}

	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return domain.Library{}, err
	}

	id := uuid.New()
	fid := s.state.Config.Url.JoinPath("federation", "music", "libraries", id.String())
	library, err := s.state.DB.CreateLibrary(ctx, domain.Library{
		Uuid:         id,
		Fid:          fid,
		ActorID:      actor.ID,
		Name:         name,
		Description:  description,
		PrivacyLevel: privacy,
		FollowersUrl: fid.JoinPath("followers"),
	})
	return library, mapErr(err)
}

func (s *AppService) UpdateLibrary(ctx context.Context, actorID, libraryID int64, name, description, privacy string) (domain.Library, error) {
	if name == "" {
		return domain.Library{}, fmt.Errorf("%w: library name is required", service.ErrInvalidInput)
	}
	if !validPrivacy(privacy) {
		return domain.Library{}, fmt.Errorf("%w: privacy level %q", service.ErrInvalidInput, privacy)
	}

	actor, library, err := s.ownedLibrary(ctx, actorID, libraryID)
	if err != nil {
		return domain.Library{}, err
	}

	library.Name = name
	library.Description = description
	library.PrivacyLevel = privacy
	if err = s.state.DB.UpdateLibrary(ctx, library); err != nil {
		return domain.Library{}, err
	}

	err = s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Update", "object": map[string]any{"type": "Library"}},
		federation.OutboxData{Actor: &actor, Library: &library})
	return library, err
}

func (s *AppService) DeleteLibrary(ctx context.Context, actorID, libraryID int64) error {
	actor, library, err := s.ownedLibrary(ctx, actorID, libraryID)
	if err != nil {
		return err
	}

	followed, err := s.state.DB.HasAnyApprovedFollow(ctx, library.ID)
	if err != nil {
		return err
	}
	if followed {
		return fmt.Errorf("%w: library %d still has approved followers", service.ErrConflict, library.ID)
	}

	// Announce first; the library row must still exist while the activity
	// is built.
	err = s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Delete", "object": map[string]any{"type": "Library"}},
		federation.OutboxData{Actor: &actor, Library: &library})
	if err != nil {
		return err
	}
	return s.state.DB.DeleteLibrary(ctx, library.ID)
}

func (s *AppService) PublishUploads(ctx context.Context, actorID, libraryID int64, uploadIDs []int64) error {
	actor, library, err := s.ownedLibrary(ctx, actorID, libraryID)
	if err != nil {
		return err
	}

	uploads := make([]domain.Upload, 0, len(uploadIDs))
	tracks := make(map[int64]*domain.Track, len(uploadIDs))
	for _, id := range uploadIDs {
		upload, err := s.state.DB.GetUploadByID(ctx, id)
		if err != nil {
			return err
		}
		if upload.LibraryID != library.ID {
			return fmt.Errorf("%w: upload %d is not in library %d", service.ErrInvalidInput, id, library.ID)
		}
		uploads = append(uploads, upload)

		if _, ok := tracks[upload.TrackID]; !ok {
			track, err := s.state.DB.GetTrackByID(ctx, upload.TrackID)
			if err != nil {
				return err
			}
			tracks[upload.TrackID] = &track
		}
	}
	if len(uploads) == 0 {
		return nil
	}

	return s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Create", "object": map[string]any{"type": "Audio"}},
		federation.OutboxData{
			Actor:   &actor,
			Library: &library,
			Uploads: uploads,
			Tracks:  tracks,
		})
}

func (s *AppService) ownedLibrary(ctx context.Context, actorID, libraryID int64) (domain.Actor, domain.Library, error) {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return domain.Actor{}, domain.Library{}, err
	}
	library, err := s.state.DB.GetLibraryByID(ctx, libraryID)
	if err != nil {
		return domain.Actor{}, domain.Library{}, err
	}
	if library.ActorID != actor.ID {
		return domain.Actor{}, domain.Library{}, fmt.Errorf("%w: library %d belongs to another actor", service.ErrForbidden, libraryID)
	}
	return actor, library, nil
}
