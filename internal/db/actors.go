package db

import (
	"context"
	"net/url"
	"time"

	"github.com/perlatus/fonoteca/internal/domain"
)

type Actors interface {
	GetActorByFid(ctx context.Context, fid *url.URL) (domain.Actor, error)
	GetActorByID(ctx context.Context, id int64) (domain.Actor, error)
	GetActorByUsername(ctx context.Context, username, host string) (domain.Actor, error)
	// UpsertActor inserts the actor or, when a row with the same fid exists,
	// refreshes every remote-controlled field. Local-only fields (the private
	// key) are preserved on conflict.
	UpsertActor(ctx context.Context, actor domain.Actor) (domain.Actor, error)
	// SetActorKeyPair replaces the actor's key pair. Used at local actor
	// creation and for blind key rotation.
	SetActorKeyPair(ctx context.Context, id int64, publicPem, privatePem string) error
	// TombstoneActor marks the actor as deleted while keeping the row so the
	// federation id still resolves.
	TombstoneActor(ctx context.Context, id int64) error
	// PurgeActorContent removes everything owned by the given actors: follows,
	// libraries, uploads, inbox items. The actor rows themselves are kept.
	PurgeActorContent(ctx context.Context, actorIDs []int64) error
	ActorIDsForDomains(ctx context.Context, names []string) ([]int64, error)

	GetDomainOrCreate(ctx context.Context, name string) (domain.Domain, error)
	AllowedDomains(ctx context.Context) ([]string, error)
	SetDomainAllowed(ctx context.Context, name string, allowed bool) error
	UpdateDomainNodeinfo(ctx context.Context, name, status string, payload []byte, serviceActorFid *url.URL) error
	StaleNodeinfoDomains(ctx context.Context, olderThan time.Time) ([]string, error)

	// Stats returns the usage counters exposed through NodeInfo.
	Stats(ctx context.Context) (domain.Stats, error)
}
