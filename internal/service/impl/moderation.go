package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/federation"
)

// keyRotationDelay outlasts the delivery ledger's retry schedule, so the
// Delete broadcast goes out signed with the key remotes still hold.
const keyRotationDelay = 48 * time.Hour

func (s *AppService) DeleteActor(ctx context.Context, actorID int64) error {
	actor, err := s.localActor(ctx, actorID)
	if err != nil {
		return err
	}

	// Announce first; follower resolution needs the libraries still around.
	err = s.state.Outbox.Dispatch(ctx,
		map[string]any{"type": "Delete", "object": map[string]any{"type": "Actor"}},
		federation.OutboxData{Actor: &actor})
	if err != nil {
		return err
	}

	if err = s.state.DB.PurgeActorContent(ctx, []int64{actor.ID}); err != nil {
		return err
	}
	if err = s.state.DB.TombstoneActor(ctx, actor.ID); err != nil {
		return err
	}

	if s.state.Queue != nil {
		if err = s.state.Queue.ScheduleKeyRotation(ctx, actor.ID, keyRotationDelay); err != nil {
			log.Error().Err(err).Int64("actor", actor.ID).Msg("unable to schedule key rotation")
		}
	}
	return nil
}

func (s *AppService) SetDomainAllowed(ctx context.Context, name string, allowed bool) error {
	return s.state.DB.SetDomainAllowed(ctx, name, allowed)
}

func (s *AppService) PurgeDomains(ctx context.Context, names []string) error {
	ids, err := s.state.DB.ActorIDsForDomains(ctx, names)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	log.Info().Strs("domains", names).Int("actors", len(ids)).Msg("purging domain content")
	return s.state.DB.PurgeActorContent(ctx, ids)
}
