package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/service"
)

func (s *AppService) FollowRemoteLibrary(ctx context.Context, actorID int64, libraryUrl string) (domain.LibraryFollow, error) {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return domain.LibraryFollow{}, err
	}

	fid, err := url.Parse(libraryUrl)
	if err != nil || fid.Host == "" {
		return domain.LibraryFollow{}, fmt.Errorf("%w: library url %q", service.ErrInvalidInput, libraryUrl)
	}

	library, err := s.state.DB.GetLibraryByFid(ctx, fid)
	if errors.Is(err, db.ErrNotFound) {
		library, err = s.mirrorRemoteLibrary(ctx, fid)
	}
	if err != nil {
		return domain.LibraryFollow{}, err
	}

	owner, err := s.state.DB.GetActorByID(ctx, library.ActorID)
	if err != nil {
		return domain.LibraryFollow{}, err
	}

	id := uuid.New()
	follow, err := s.state.DB.CreateFollow(ctx, domain.LibraryFollow{
		Uuid:      id,
		Fid:       s.state.Config.Url.JoinPath("federation", "follows", id.String()),
		ActorID:   actor.ID,
		LibraryID: library.ID,
	})
	if err != nil {
		return domain.LibraryFollow{}, mapErr(err)
	}

	err = s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Follow"},
		federation.OutboxData{
			Actor:        &actor,
			Follow:       &follow,
			Library:      &library,
			LibraryOwner: &owner,
		})
	return follow, err
}

// mirrorRemoteLibrary fetches a library document we have never seen and
// stores a local row for it, along with its owner.
func (s *AppService) mirrorRemoteLibrary(ctx context.Context, fid *url.URL) (domain.Library, error) {
	doc, err := s.state.Client.Get(ctx, fid)
	if err != nil {
		return domain.Library{}, err
	}
	expanded, err := s.state.Processor.Expand(doc)
	if err != nil {
		return domain.Library{}, err
	}
	parsed, err := federation.ParseLibrary(expanded)
	if err != nil {
		return domain.Library{}, err
	}
	if parsed.ActorFid == nil {
		return domain.Library{}, fmt.Errorf("%w: library %s has no owner", federation.ErrMissingProperty, fid)
	}
	// Libraries may only live on their owner's host.
	if parsed.Fid.Hostname() != fid.Hostname() || parsed.ActorFid.Hostname() != fid.Hostname() {
		return domain.Library{}, fmt.Errorf("%w: library %s attributed across hosts", federation.ErrUnprocessablePropValue, fid)
	}

	owner, err := s.state.Registry.GetActor(ctx, parsed.ActorFid)
	if err != nil {
		return domain.Library{}, err
	}

	library, err := s.state.DB.CreateLibrary(ctx, domain.Library{
		Uuid:         uuid.New(),
		Fid:          parsed.Fid,
		ActorID:      owner.ID,
		Name:         parsed.Name,
		Description:  parsed.Summary,
		PrivacyLevel: config.PrivacyEveryone,
		FollowersUrl: parsed.FollowersUrl,
		UploadsCount: parsed.TotalItems,
	})
	return library, mapErr(err)
}

func (s *AppService) UnfollowLibrary(ctx context.Context, actorID, libraryID int64) error {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return err
	}
	follow, err := s.state.DB.GetFollow(ctx, actor.ID, libraryID)
	if err != nil {
		return err
	}
	library, err := s.state.DB.GetLibraryByID(ctx, libraryID)
	if err != nil {
		return err
	}
	owner, err := s.state.DB.GetActorByID(ctx, library.ActorID)
	if err != nil {
		return err
	}

	err = s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Undo", "object": map[string]any{"type": "Follow"}},
		federation.OutboxData{
			Actor:        &actor,
			Follow:       &follow,
			Library:      &library,
			LibraryOwner: &owner,
		})
	if err != nil {
		return err
	}
	return s.state.DB.DeleteFollow(ctx, follow.ID)
}

func (s *AppService) ReviewFollow(ctx context.Context, ownerID, followID int64, approved bool) error {
	owner, err := s.localActor(ctx, ownerID)
	if err != nil {
		return err
	}
	follow, err := s.state.DB.GetFollowByID(ctx, followID)
	if err != nil {
		return err
	}
	library, err := s.state.DB.GetLibraryByID(ctx, follow.LibraryID)
	if err != nil {
		return err
	}
	if library.ActorID != owner.ID {
		return fmt.Errorf("%w: follow %d is on another actor's library", service.ErrForbidden, followID)
	}

	if err = s.state.DB.SetFollowApproved(ctx, follow.ID, approved); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The follow was already rejected; rejections are final.
			return fmt.Errorf("%w: follow %d is not reviewable", service.ErrConflict, followID)
		}
		return err
	}
	if !approved {
		return nil
	}

	follower, err := s.state.DB.GetActorByID(ctx, follow.ActorID)
	if err != nil {
		return err
	}
	return s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Accept", "object": map[string]any{"type": "Follow"}},
		federation.OutboxData{
			Actor:       &owner,
			Follow:      &follow,
			FollowActor: &follower,
			Library:     &library,
		})
}
