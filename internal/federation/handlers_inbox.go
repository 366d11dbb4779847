package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
)

func (i *Inbox) connectRoutes() {
	i.router.Connect(Match{"type": "Follow"}, i.handleFollow)
	i.router.Connect(Match{"type": "Accept", "object.type": "Follow"}, i.handleAccept)
	i.router.Connect(Match{"type": "Undo", "object.type": "Follow"}, i.handleUndoFollow)
	i.router.Connect(Match{"type": "Create", "object.type": "Audio"}, i.handleCreateAudio)
	i.router.Connect(Match{"type": "Update", "object.type": "Audio"}, i.handleCreateAudio)
	i.router.Connect(Match{"type": "Update", "object.type": "Library"}, i.handleUpdateLibrary)
	i.router.Connect(Match{"type": "Delete"}, i.handleDelete)
}

// handleFollow processes a remote actor following a local library. Follows
// on public libraries are approved on the spot unless the instance requires
// manual approval; everything else stays pending for a moderator.
func (i *Inbox) handleFollow(ctx context.Context, ictx *InboxContext) error {
	objectFid, err := parseIRI(jsonld.FirstID(ictx.Expanded, jsonld.PropObject))
	if err != nil {
		return fmt.Errorf("%w: object", ErrMissingProperty)
	}

	library, err := i.db.GetLibraryByFid(ctx, objectFid)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Str("object", objectFid.String()).Msg("follow on unknown object")
		return nil
	}
	if err != nil {
		return err
	}

	follow, err := i.db.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      uuid.New(),
		Fid:       ictx.Activity.Fid,
		ActorID:   ictx.Actor.ID,
		LibraryID: library.ID,
	})
	if errors.Is(err, db.ErrDuplicate) {
		follow, err = i.db.GetFollow(ctx, ictx.Actor.ID, library.ID)
		if err != nil {
			return err
		}
		// Re-sending the accept makes replayed follows converge.
		if follow.Approved != nil && *follow.Approved {
			return i.sendAccept(ctx, library, follow, ictx.Actor)
		}
		return nil
	}
	if err != nil {
		return err
	}

	autoApprove := library.PrivacyLevel == config.PrivacyEveryone && !i.cfg.MusicNeedsApproval
	if !autoApprove {
		log.Info().
			Str("actor", ictx.Actor.Fid.String()).
			Str("library", library.Fid.String()).
			Msg("follow pending approval")
		return nil
	}

	if err = i.db.SetFollowApproved(ctx, follow.ID, true); err != nil {
		return err
	}
	return i.sendAccept(ctx, library, follow, ictx.Actor)
}

func (i *Inbox) sendAccept(ctx context.Context, library domain.Library, follow domain.LibraryFollow, follower *domain.Actor) error {
	owner, err := i.db.GetActorByID(ctx, library.ActorID)
	if err != nil {
		return err
	}
	return i.outbox.Dispatch(ctx,
		map[string]any{"type": "Accept", "object": map[string]any{"type": "Follow"}},
		OutboxData{
			Actor:       &owner,
			Follow:      &follow,
			FollowActor: follower,
			Library:     &library,
		})
}

// handleAccept marks our follow on a remote library approved and kicks off
// the first scan of its collection.
func (i *Inbox) handleAccept(ctx context.Context, ictx *InboxContext) error {
	followFid, err := parseIRI(dottedString(ictx.Payload, "object", "id"))
	if err != nil {
		return fmt.Errorf("%w: object.id", ErrMissingProperty)
	}

	follow, err := i.db.GetFollowByFid(ctx, followFid)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Str("follow", followFid.String()).Msg("accept for unknown follow")
		return nil
	}
	if err != nil {
		return err
	}

	library, err := i.db.GetLibraryByID(ctx, follow.LibraryID)
	if err != nil {
		return err
	}
	// Only the library's owner may accept follows on it.
	if library.ActorID != ictx.Actor.ID {
		return fmt.Errorf("%w: accept from %s on library of actor %d", ErrActorMismatch, ictx.Actor.Fid, library.ActorID)
	}

	if err = i.db.SetFollowApproved(ctx, follow.ID, true); err != nil {
		return err
	}

	if i.scheduler != nil {
		if err = i.scheduler.ScheduleScan(ctx, library.ID); err != nil {
			log.Error().Err(err).Int64("library", library.ID).Msg("failed to schedule scan")
		}
	}
	return nil
}

func (i *Inbox) handleUndoFollow(ctx context.Context, ictx *InboxContext) error {
	followFid, err := parseIRI(dottedString(ictx.Payload, "object", "id"))
	if err != nil {
		return fmt.Errorf("%w: object.id", ErrMissingProperty)
	}

	follow, err := i.db.GetFollowByFid(ctx, followFid)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if follow.ActorID != ictx.Actor.ID {
		return fmt.Errorf("%w: undo from %s on follow of actor %d", ErrActorMismatch, ictx.Actor.Fid, follow.ActorID)
	}

	return i.db.DeleteFollow(ctx, follow.ID)
}

// handleCreateAudio stores uploads announced by a remote library we follow.
// The audio bytes themselves are only fetched on first listen.
func (i *Inbox) handleCreateAudio(ctx context.Context, ictx *InboxContext) error {
	object := jsonld.FirstNode(ictx.Expanded, jsonld.PropObject)
	if object == nil {
		return fmt.Errorf("%w: object", ErrMissingProperty)
	}

	// The object may be a bare reference that needs a fetch.
	if len(object) == 1 {
		if err := i.processor.Dereference(ctx, ictx.Expanded, []string{jsonld.PropObject}, i.fetchDocument); err != nil {
			return err
		}
		object = jsonld.FirstNode(ictx.Expanded, jsonld.PropObject)
	}

	audio, err := ParseAudio(object)
	if err != nil {
		return err
	}

	library, err := i.db.GetLibraryByFid(ctx, audio.LibraryFid)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Str("library", audio.LibraryFid.String()).Msg("audio for unknown library")
		return nil
	}
	if err != nil {
		return err
	}

	if library.ActorID != ictx.Actor.ID {
		return fmt.Errorf("%w: audio from %s in library of actor %d", ErrActorMismatch, ictx.Actor.Fid, library.ActorID)
	}

	followed, err := i.db.HasAnyApprovedFollow(ctx, library.ID)
	if err != nil {
		return err
	}
	if !followed {
		log.Debug().Str("library", library.Fid.String()).Msg("audio for unfollowed library ignored")
		return nil
	}

	track, err := i.db.GetOrCreateTrack(ctx, domain.Track{
		Uuid:       uuid.New(),
		Fid:        audio.TrackFid,
		Title:      audio.Title,
		ArtistName: audio.ArtistName,
	})
	if err != nil {
		return err
	}

	_, err = i.db.UpsertUpload(ctx, domain.Upload{
		Uuid:         uuid.New(),
		Fid:          audio.Fid,
		LibraryID:    library.ID,
		TrackID:      track.ID,
		ImportStatus: domain.ImportFinished,
		Mimetype:     audio.Mimetype,
		Size:         audio.Size,
		Bitrate:      audio.Bitrate,
		Duration:     audio.Duration,
		Source:       audio.Source,
	})
	return err
}

func (i *Inbox) handleUpdateLibrary(ctx context.Context, ictx *InboxContext) error {
	object := jsonld.FirstNode(ictx.Expanded, jsonld.PropObject)
	if object == nil {
		return fmt.Errorf("%w: object", ErrMissingProperty)
	}

	doc, err := ParseLibrary(object)
	if err != nil {
		return err
	}

	library, err := i.db.GetLibraryByFid(ctx, doc.Fid)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if library.ActorID != ictx.Actor.ID {
		return fmt.Errorf("%w: update from %s on library of actor %d", ErrActorMismatch, ictx.Actor.Fid, library.ActorID)
	}

	library.Name = doc.Name
	library.Description = doc.Summary
	library.UploadsCount = doc.TotalItems
	return i.db.UpdateLibrary(ctx, library)
}

// handleDelete covers both actor deletion, which tombstones the actor and
// purges everything it owned, and library deletion.
func (i *Inbox) handleDelete(ctx context.Context, ictx *InboxContext) error {
	objectFid, err := parseIRI(jsonld.FirstID(ictx.Expanded, jsonld.PropObject))
	if err != nil {
		return fmt.Errorf("%w: object", ErrMissingProperty)
	}

	// Actors may only delete themselves.
	if objectFid.String() == ictx.Actor.Fid.String() {
		if err = i.db.PurgeActorContent(ctx, []int64{ictx.Actor.ID}); err != nil {
			return err
		}
		return i.db.TombstoneActor(ctx, ictx.Actor.ID)
	}

	library, err := i.db.GetLibraryByFid(ctx, objectFid)
	if errors.Is(err, db.ErrNotFound) {
		log.Debug().Str("object", objectFid.String()).Msg("delete for unknown object")
		return nil
	}
	if err != nil {
		return err
	}
	if library.ActorID != ictx.Actor.ID {
		return fmt.Errorf("%w: delete from %s on library of actor %d", ErrActorMismatch, ictx.Actor.Fid, library.ActorID)
	}

	return i.db.DeleteLibrary(ctx, library.ID)
}

func (i *Inbox) fetchDocument(ctx context.Context, iri string) (map[string]any, error) {
	u, err := parseIRI(iri)
	if err != nil {
		return nil, err
	}
	return i.client.Get(ctx, u)
}

func dottedString(payload map[string]any, keys ...string) string {
	current := any(payload)
	for _, key := range keys {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = node[key]
	}
	s, _ := current.(string)
	return s
}
