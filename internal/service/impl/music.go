package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/service"
)

func (s *AppService) RequestFetch(ctx context.Context, actorID int64, rawUrl string) (domain.Fetch, error) {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return domain.Fetch{}, err
	}
	if rawUrl == "" {
		return domain.Fetch{}, fmt.Errorf("%w: fetch url is required", service.ErrInvalidInput)
	}
	return s.state.Queue.RequestFetch(ctx, rawUrl, actor.ID)
}

func (s *AppService) GetFetch(ctx context.Context, id uuid.UUID) (domain.Fetch, error) {
	return s.state.DB.GetFetchByUuid(ctx, id)
}

func (s *AppService) Listen(ctx context.Context, uploadUuid uuid.UUID) (string, domain.Upload, error) {
	upload, err := s.state.DB.GetUploadByUuid(ctx, uploadUuid)
	if err != nil {
		return "", domain.Upload{}, err
	}
	if upload.ImportStatus != domain.ImportFinished {
		return "", domain.Upload{}, fmt.Errorf("%w: upload %s is not playable", service.ErrInvalidInput, uploadUuid)
	}

	path, err := s.state.Cache.Serve(ctx, upload)
	if err != nil {
		return "", domain.Upload{}, err
	}
	return path, upload, nil
}

// mutableTrackFields are the metadata fields a mutation may touch.
var mutableTrackFields = map[string]bool{
	"title":       true,
	"artist_name": true,
	"album_title": true,
}

func (s *AppService) SuggestMutation(ctx context.Context, actorID, trackID int64, payload map[string]string) (domain.Mutation, error) {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return domain.Mutation{}, err
	}
	if _, err = s.state.DB.GetTrackByID(ctx, trackID); err != nil {
		return domain.Mutation{}, err
	}

	if len(payload) == 0 {
		return domain.Mutation{}, fmt.Errorf("%w: empty mutation", service.ErrInvalidInput)
	}
	for field := range payload {
		if !mutableTrackFields[field] {
			return domain.Mutation{}, fmt.Errorf("%w: field %q is not mutable", service.ErrInvalidInput, field)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Mutation{}, err
	}

	id := uuid.New()
	mutation, err := s.state.DB.CreateMutation(ctx, domain.Mutation{
		Uuid:        id,
		Fid:         s.state.Config.Url.JoinPath("federation", "edits", id.String()),
		Type:        "update",
		TrackID:     trackID,
		Payload:     raw,
		CreatedByID: actor.ID,
	})
	return mutation, mapErr(err)
}

func (s *AppService) ReviewMutation(ctx context.Context, reviewerID int64, mutationUuid uuid.UUID, approved bool) error {
	reviewer, err := s.localActor(ctx, reviewerID)
	if err != nil {
		return err
	}

	mutation, err := s.state.DB.GetMutationByUuid(ctx, mutationUuid)
	if err != nil {
		return err
	}
	if mutation.IsApproved != nil {
		return fmt.Errorf("%w: mutation %s was already reviewed", service.ErrConflict, mutationUuid)
	}

	if err = s.state.DB.SetMutationApproved(ctx, mutation.ID, reviewer.ID, approved); err != nil {
		return err
	}
	if !approved {
		return nil
	}
	return s.applyMutation(ctx, mutation)
}

// applyMutation writes the proposed fields onto the track, keeping a snapshot
// of the previous values so the change can be audited or reverted.
func (s *AppService) applyMutation(ctx context.Context, mutation domain.Mutation) error {
	track, err := s.state.DB.GetTrackByID(ctx, mutation.TrackID)
	if err != nil {
		return err
	}

	previous, err := json.Marshal(map[string]string{
		"title":       track.Title,
		"artist_name": track.ArtistName,
		"album_title": track.AlbumTitle,
	})
	if err != nil {
		return err
	}

	var fields map[string]string
	if err = json.Unmarshal(mutation.Payload, &fields); err != nil {
		return err
	}
	if v, ok := fields["title"]; ok {
		track.Title = v
	}
	if v, ok := fields["artist_name"]; ok {
		track.ArtistName = v
	}
	if v, ok := fields["album_title"]; ok {
		track.AlbumTitle = v
	}

	if err = s.state.DB.UpdateTrack(ctx, track); err != nil {
		return err
	}
	return s.state.DB.SetMutationApplied(ctx, mutation.ID, previous)
}
