package federation

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/conversions"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/utils"
)

// ServiceActorName is the username of the instance-level actor that signs
// requests made on behalf of the server itself.
const ServiceActorName = "service"

// Registry resolves actors by federation id, fetching and caching remote
// ones, and owns the local system actors.
type Registry struct {
	db        db.DB
	cfg       *config.Configuration
	client    *client.HttpClient
	processor *jsonld.Processor
}

func NewRegistry(database db.DB, cfg *config.Configuration, httpClient *client.HttpClient, processor *jsonld.Processor) *Registry {
	return &Registry{db: database, cfg: cfg, client: httpClient, processor: processor}
}

// SetClient wires the signing HTTP client in after construction. The client
// signs with the service actor's key, which the registry itself creates, so
// the two cannot be built in one go.
func (r *Registry) SetClient(c *client.HttpClient) {
	r.client = c
}

// GetActor returns the actor at fid. Local actors always come from storage.
// Remote actors are served from storage while their last fetch is younger
// than the configured delay, and refetched otherwise.
func (r *Registry) GetActor(ctx context.Context, fid *url.URL) (domain.Actor, error) {
	actor, err := r.db.GetActorByFid(ctx, fid)
	switch {
	case err == nil:
		if actor.IsLocal(r.cfg.Host) || actor.Type == domain.TypeTombstone {
			return actor, nil
		}
		ttl := time.Duration(r.cfg.ActorFetchDelay) * time.Minute
		if time.Since(actor.LastFetchDate) < ttl {
			return actor, nil
		}
	case !errors.Is(err, db.ErrNotFound):
		return domain.Actor{}, err
	}

	fetched, err := r.FetchActor(ctx, fid)
	if err != nil {
		// A stale copy beats an error when the remote is down.
		if actor.ID != 0 {
			log.Warn().Err(err).Str("fid", fid.String()).Msg("actor refresh failed, serving stale copy")
			return actor, nil
		}
		return domain.Actor{}, err
	}
	return fetched, nil
}

// FetchActor unconditionally fetches, parses and stores the actor document at
// fid.
func (r *Registry) FetchActor(ctx context.Context, fid *url.URL) (domain.Actor, error) {
	doc, err := r.client.Get(ctx, fid)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("fetching actor %s: %w", fid, err)
	}

	expanded, err := r.processor.Expand(doc)
	if err != nil {
		return domain.Actor{}, err
	}

	parsed, err := ParseActor(expanded)
	if err != nil {
		return domain.Actor{}, err
	}

	// The document must live where it claims to live.
	if parsed.Fid.Hostname() != fid.Hostname() {
		return domain.Actor{}, fmt.Errorf("%w: document id %s fetched from %s", ErrUnprocessablePropValue, parsed.Fid, fid)
	}

	if _, err = r.db.GetDomainOrCreate(ctx, parsed.Domain); err != nil {
		return domain.Actor{}, err
	}

	parsed.LastFetchDate = time.Now()
	return r.db.UpsertActor(ctx, *parsed)
}

// ResolveKey implements signing.KeySource from stored actor documents.
func (r *Registry) ResolveKey(ctx context.Context, keyId *url.URL) (crypto.PublicKey, string, error) {
	owner := *keyId
	owner.Fragment = ""
	owner.RawFragment = ""

	actor, err := r.GetActor(ctx, &owner)
	if err != nil {
		return nil, "", err
	}
	return actorKey(actor)
}

// RefreshKey refetches the key owner before resolving, which is the blind
// rotation path: a remote that rotated its key just needs to sign again.
func (r *Registry) RefreshKey(ctx context.Context, keyId *url.URL) (crypto.PublicKey, string, error) {
	owner := *keyId
	owner.Fragment = ""
	owner.RawFragment = ""

	actor, err := r.FetchActor(ctx, &owner)
	if err != nil {
		return nil, "", err
	}
	return actorKey(actor)
}

func actorKey(actor domain.Actor) (crypto.PublicKey, string, error) {
	if actor.PublicKey == "" {
		return nil, "", fmt.Errorf("%w: public key", ErrMissingProperty)
	}
	key, err := conversions.ExtractPublicKeyFromPem(actor.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return key, actor.Fid.String(), nil
}

// ServiceActor returns the instance service actor, creating it with a fresh
// key pair on first use.
func (r *Registry) ServiceActor(ctx context.Context) (domain.Actor, error) {
	fid := r.cfg.Url.JoinPath("federation", "actors", ServiceActorName)

	actor, err := r.db.GetActorByFid(ctx, fid)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return domain.Actor{}, err
	}

	pub, priv, err := utils.GenerateKeysPem(r.cfg.RsaKeySize)
	if err != nil {
		return domain.Actor{}, err
	}

	if _, err = r.db.GetDomainOrCreate(ctx, r.cfg.Host); err != nil {
		return domain.Actor{}, err
	}

	actor, err = r.db.UpsertActor(ctx, domain.Actor{
		Fid:               fid,
		Type:              domain.TypeService,
		PreferredUsername: ServiceActorName,
		Domain:            r.cfg.Host,
		Name:              r.cfg.Name + " service actor",
		InboxUrl:          fid.JoinPath("inbox"),
		OutboxUrl:         fid.JoinPath("outbox"),
		SharedInboxUrl:    r.cfg.Url.JoinPath("federation", "shared", "inbox"),
		PublicKey:         pub,
		ManuallyApprovesFollowers: true,
		LastFetchDate:     time.Now(),
	})
	if err != nil {
		return domain.Actor{}, err
	}

	if err = r.db.SetActorKeyPair(ctx, actor.ID, pub, priv); err != nil {
		return domain.Actor{}, err
	}
	actor.PrivateKey = priv
	return actor, nil
}

// EnsureLocalActor creates a local person actor with a key pair if no actor
// with that username exists yet.
func (r *Registry) EnsureLocalActor(ctx context.Context, username string) (domain.Actor, error) {
	actor, err := r.db.GetActorByUsername(ctx, username, r.cfg.Host)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return domain.Actor{}, err
	}

	pub, priv, err := utils.GenerateKeysPem(r.cfg.RsaKeySize)
	if err != nil {
		return domain.Actor{}, err
	}

	if _, err = r.db.GetDomainOrCreate(ctx, r.cfg.Host); err != nil {
		return domain.Actor{}, err
	}

	fid := r.cfg.Url.JoinPath("federation", "actors", username)
	actor, err = r.db.UpsertActor(ctx, domain.Actor{
		Fid:               fid,
		Type:              domain.TypePerson,
		PreferredUsername: username,
		Domain:            r.cfg.Host,
		InboxUrl:          fid.JoinPath("inbox"),
		OutboxUrl:         fid.JoinPath("outbox"),
		FollowersUrl:      fid.JoinPath("followers"),
		FollowingUrl:      fid.JoinPath("following"),
		SharedInboxUrl:    r.cfg.Url.JoinPath("federation", "shared", "inbox"),
		PublicKey:         pub,
		LastFetchDate:     time.Now(),
	})
	if err != nil {
		return domain.Actor{}, err
	}

	if err = r.db.SetActorKeyPair(ctx, actor.ID, pub, priv); err != nil {
		return domain.Actor{}, err
	}
	actor.PrivateKey = priv
	return actor, nil
}
