// Package core implements the application service on top of the federation
// subsystems.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/service"
	"github.com/perlatus/fonoteca/internal/state"
)

type AppService struct {
	state *state.State
}

func New(st *state.State) service.Service {
	return &AppService{state: st}
}

// localActor loads actorID and checks it lives on this instance. Every
// service operation acts on behalf of a local actor.
func (s *AppService) localActor(ctx context.Context, actorID int64) (domain.Actor, error) {
	actor, err := s.state.DB.GetActorByID(ctx, actorID)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsLocal(s.state.Config.Host) {
		return domain.Actor{}, fmt.Errorf("%w: actor %s is not local", service.ErrForbidden, actor.Fid)
	}
	return actor, nil
}

func validPrivacy(privacy string) bool {
	switch privacy {
	case config.PrivacyMe, config.PrivacyInstance, config.PrivacyEveryone:
		return true
	}
	return false
}

// mapErr translates storage errors into the service error vocabulary.
func mapErr(err error) error {
	if errors.Is(err, db.ErrDuplicate) {
		return fmt.Errorf("%w: %s", service.ErrConflict, err)
	}
	return err
}
