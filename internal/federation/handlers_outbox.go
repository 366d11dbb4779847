package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/conversions"
)

func (o *Outbox) connectRoutes() {
	o.router.Connect(Match{"type": "Accept", "object.type": "Follow"}, o.handleAcceptFollow)
	o.router.Connect(Match{"type": "Follow"}, o.handleFollowLibrary)
	o.router.Connect(Match{"type": "Undo", "object.type": "Follow"}, o.handleUndoFollow)
	o.router.Connect(Match{"type": "Create", "object.type": "Audio"}, o.handleCreateAudio)
	o.router.Connect(Match{"type": "Update", "object.type": "Library"}, o.handleUpdateLibrary)
	o.router.Connect(Match{"type": "Delete", "object.type": "Library"}, o.handleDeleteLibrary)
	o.router.Connect(Match{"type": "Delete", "object.type": "Actor"}, o.handleDeleteActor)
}

// handleAcceptFollow notifies a follower that their follow on a local
// library was approved.
func (o *Outbox) handleAcceptFollow(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Follow == nil || data.FollowActor == nil || data.Library == nil {
		return nil, fmt.Errorf("%w: follow context", ErrMissingProperty)
	}

	follow := conversions.NewFollow(data.Follow.Fid, data.FollowActor.Fid, data.Library.Fid)
	accept := conversions.NewAccept(NewActivityFid(o.cfg), data.Actor.Fid, follow)

	payload, err := conversions.Serialize(accept)
	if err != nil {
		return nil, err
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      []Recipient{{Actor: data.FollowActor}},
	}}, nil
}

// handleFollowLibrary sends a follow on a remote library, addressed to the
// library's owner.
func (o *Outbox) handleFollowLibrary(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Follow == nil || data.Library == nil || data.LibraryOwner == nil {
		return nil, fmt.Errorf("%w: follow context", ErrMissingProperty)
	}

	follow := conversions.NewFollow(data.Follow.Fid, data.Actor.Fid, data.Library.Fid)
	payload, err := conversions.Serialize(follow)
	if err != nil {
		return nil, err
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      []Recipient{{Actor: data.LibraryOwner}},
	}}, nil
}

func (o *Outbox) handleUndoFollow(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Follow == nil || data.Library == nil || data.LibraryOwner == nil {
		return nil, fmt.Errorf("%w: follow context", ErrMissingProperty)
	}

	follow := conversions.NewFollow(data.Follow.Fid, data.Actor.Fid, data.Library.Fid)
	undo := conversions.NewUndo(NewActivityFid(o.cfg), data.Actor.Fid, follow)

	payload, err := conversions.Serialize(undo)
	if err != nil {
		return nil, err
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      []Recipient{{Actor: data.LibraryOwner}},
	}}, nil
}

// handleCreateAudio announces new uploads in a local library to its approved
// followers, one Create per upload.
func (o *Outbox) handleCreateAudio(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Library == nil || data.Actor == nil {
		return nil, fmt.Errorf("%w: library context", ErrMissingProperty)
	}

	recipients := []Recipient{{LibraryFollowers: data.Library}}
	if data.Library.PrivacyLevel == config.PrivacyEveryone {
		recipients = append(recipients, Recipient{Public: true})
	}

	var messages []Message
	for _, upload := range data.Uploads {
		track := data.Tracks[upload.TrackID]
		listenUrl := o.cfg.Url.JoinPath("api", "v1", "listen", upload.Uuid.String())
		audio := conversions.AudioToMap(&upload, track, data.Library, listenUrl)

		create := conversions.NewCreate(NewActivityFid(o.cfg), data.Actor.Fid)
		payload, err := conversions.Serialize(create)
		if err != nil {
			return nil, err
		}
		payload["object"] = audio

		messages = append(messages, Message{
			Payload: payload,
			Actor:   data.Actor,
			To:      recipients,
		})
	}
	return messages, nil
}

// handleUpdateLibrary pushes refreshed library metadata to followers.
func (o *Outbox) handleUpdateLibrary(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Library == nil || data.Actor == nil {
		return nil, fmt.Errorf("%w: library context", ErrMissingProperty)
	}

	payload := map[string]any{
		"id":     NewActivityFid(o.cfg).String(),
		"type":   "Update",
		"actor":  data.Actor.Fid.String(),
		"object": conversions.LibraryToMap(data.Library, data.Actor),
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      []Recipient{{LibraryFollowers: data.Library}},
	}}, nil
}

func (o *Outbox) handleDeleteLibrary(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Library == nil || data.Actor == nil {
		return nil, fmt.Errorf("%w: library context", ErrMissingProperty)
	}

	del := conversions.NewDelete(NewActivityFid(o.cfg), data.Actor.Fid, data.Library.Fid)
	payload, err := conversions.Serialize(del)
	if err != nil {
		return nil, err
	}

	recipients := []Recipient{{LibraryFollowers: data.Library}}
	if data.Library.PrivacyLevel == config.PrivacyEveryone {
		recipients = append(recipients, Recipient{Public: true})
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      recipients,
	}}, nil
}

// handleDeleteActor broadcasts an actor deletion to the followers of every
// library the actor owned. The actor document itself keeps resolving as a
// tombstone.
func (o *Outbox) handleDeleteActor(ctx context.Context, data OutboxData) ([]Message, error) {
	if data.Actor == nil {
		return nil, fmt.Errorf("%w: actor context", ErrMissingProperty)
	}

	del := conversions.NewDelete(NewActivityFid(o.cfg), data.Actor.Fid, data.Actor.Fid)
	payload, err := conversions.Serialize(del)
	if err != nil {
		return nil, err
	}
	tombstone, err := conversions.Serialize(conversions.NewTombstone(data.Actor.Fid, data.Actor.Type, time.Now()))
	if err != nil {
		return nil, err
	}
	payload["object"] = tombstone

	libraries, err := o.db.LibrariesForActor(ctx, data.Actor.ID)
	if err != nil {
		return nil, err
	}

	recipients := []Recipient{{Public: true}}
	for i := range libraries {
		recipients = append(recipients, Recipient{LibraryFollowers: &libraries[i]})
	}

	return []Message{{
		Payload: payload,
		Actor:   data.Actor,
		To:      recipients,
	}}, nil
}
