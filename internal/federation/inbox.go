package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/mrf"
)

// Scheduler hands follow-up work to the background queue. It is an interface
// so the queue package can depend on federation and not the other way round.
type Scheduler interface {
	ScheduleScan(ctx context.Context, libraryID int64) error
	ScheduleInboxRetry(ctx context.Context, activityID int64) error
}

// Inbox receives verified activities, applies moderation, persists them, and
// routes them to handlers.
type Inbox struct {
	db        db.DB
	cfg       *config.Configuration
	registry  *Registry
	client    *client.HttpClient
	processor *jsonld.Processor
	outbox    *Outbox
	mrf       *mrf.Registry
	router    *InboxRouter
	scheduler Scheduler
}

func NewInbox(database db.DB, cfg *config.Configuration, registry *Registry, httpClient *client.HttpClient,
	processor *jsonld.Processor, outbox *Outbox, mrfRegistry *mrf.Registry) *Inbox {
	i := &Inbox{
		db:        database,
		cfg:       cfg,
		registry:  registry,
		client:    httpClient,
		processor: processor,
		outbox:    outbox,
		mrf:       mrfRegistry,
		router:    &InboxRouter{},
	}
	i.connectRoutes()
	return i
}

// SetScheduler wires the background queue in after construction, since the
// queue itself needs the inbox to exist first.
func (i *Inbox) SetScheduler(s Scheduler) {
	i.scheduler = s
}

func (i *Inbox) Router() *InboxRouter {
	return i.router
}

// Receive processes one activity delivered by sender. The sender must
// already be authenticated; Receive enforces that the payload actor matches.
// A nil return with no processing means the payload was discarded or already
// seen, both of which are fine from the remote's point of view.
func (i *Inbox) Receive(ctx context.Context, payload map[string]any, sender domain.Actor) error {
	payload, _, ok := i.mrf.Apply(ctx, payload)
	if !ok {
		return nil
	}

	expanded, err := i.processor.Expand(payload)
	if err != nil {
		return err
	}

	if actorFid := jsonld.FirstID(expanded, jsonld.PropActor); actorFid != sender.Fid.String() {
		return ErrActorMismatch
	}

	fid, err := activityFid(expanded)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	activity, err := i.db.CreateActivity(ctx, domain.Activity{
		Uuid:    uuid.New(),
		Fid:     fid,
		Type:    jsonld.Type(expanded),
		ActorID: sender.ID,
		Payload: raw,
	})
	if errors.Is(err, db.ErrDuplicate) {
		log.Debug().Str("fid", fid.String()).Msg("activity already seen")
		return nil
	}
	if err != nil {
		return err
	}

	items, err := i.createInboxItems(ctx, activity.ID, expanded)
	if err != nil {
		return err
	}

	ictx := &InboxContext{
		Payload:    payload,
		Expanded:   expanded,
		Actor:      &sender,
		Activity:   &activity,
		InboxItems: items,
	}

	err = i.router.Dispatch(ctx, ictx)
	switch {
	case errors.Is(err, ErrUnhandled):
		log.Debug().
			Str("type", activity.Type).
			Str("fid", fid.String()).
			Msg("no handler for activity")
		return nil
	case errors.Is(err, ErrActorMismatch),
		errors.Is(err, ErrMissingProperty),
		errors.Is(err, ErrUnprocessablePropValue):
		// Permanent; the payload itself is at fault and a retry cannot help.
		if dbErr := i.db.SetActivityError(ctx, activity.ID, err.Error()); dbErr != nil {
			log.Error().Err(dbErr).Msg("failed to record activity error")
		}
		return err
	case err != nil:
		// The activity is persisted; the remote gets its 202 and the retry
		// job picks the handler back up.
		if dbErr := i.db.SetActivityError(ctx, activity.ID, err.Error()); dbErr != nil {
			log.Error().Err(dbErr).Msg("failed to record activity error")
		}
		log.Warn().Err(err).
			Str("type", activity.Type).
			Str("fid", fid.String()).
			Msg("handler failed, scheduling retry")
		if i.scheduler != nil {
			if schedErr := i.scheduler.ScheduleInboxRetry(ctx, activity.ID); schedErr != nil {
				log.Error().Err(schedErr).Int64("activity", activity.ID).Msg("failed to schedule inbox retry")
			}
		}
		return nil
	}
	return nil
}

// Redispatch re-runs the handler for an already persisted activity. The
// retry worker calls this until the handler succeeds or gives up.
func (i *Inbox) Redispatch(ctx context.Context, activityID int64) error {
	activity, err := i.db.GetActivityByID(ctx, activityID)
	if err != nil {
		return err
	}
	sender, err := i.db.GetActorByID(ctx, activity.ActorID)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err = json.Unmarshal(activity.Payload, &payload); err != nil {
		return err
	}
	expanded, err := i.processor.Expand(payload)
	if err != nil {
		return err
	}
	items, err := i.db.UnreadInboxItems(ctx, activity.ID)
	if err != nil {
		return err
	}

	err = i.router.Dispatch(ctx, &InboxContext{
		Payload:    payload,
		Expanded:   expanded,
		Actor:      &sender,
		Activity:   &activity,
		InboxItems: items,
	})
	if errors.Is(err, ErrUnhandled) {
		return nil
	}
	if err != nil {
		if dbErr := i.db.SetActivityError(ctx, activity.ID, err.Error()); dbErr != nil {
			log.Error().Err(dbErr).Msg("failed to record activity error")
		}
		return err
	}
	return i.db.SetActivityError(ctx, activity.ID, "")
}

// activityFid returns the activity id, minting a urn:uuid one for payloads
// that arrive without an id.
func activityFid(expanded map[string]any) (*url.URL, error) {
	if id := jsonld.ID(expanded); id != "" {
		return parseIRI(id)
	}
	return url.Parse("urn:uuid:" + uuid.NewString())
}

// createInboxItems binds the activity to every local actor it addresses,
// either directly or through a local library's followers collection.
// Addressing to the public collection carries no local recipient by itself.
func (i *Inbox) createInboxItems(ctx context.Context, activityID int64, expanded map[string]any) ([]domain.InboxItem, error) {
	var recipients []db.InboxRecipient
	var items []domain.InboxItem
	seen := map[int64]bool{}

	add := func(actor domain.Actor, kind string) {
		if !actor.IsLocal(i.cfg.Host) || seen[actor.ID] {
			return
		}
		seen[actor.ID] = true
		recipients = append(recipients, db.InboxRecipient{ActorID: actor.ID, Type: kind})
		items = append(items, domain.InboxItem{ActivityID: activityID, ActorID: actor.ID, Type: kind})
	}

	collect := func(property, kind string) error {
		for _, id := range jsonld.IDs(expanded, property) {
			if id == domain.Public.String() {
				continue
			}
			u, err := url.Parse(id)
			if err != nil {
				continue
			}

			if u.Hostname() == i.cfg.Host {
				actor, err := i.db.GetActorByFid(ctx, u)
				if err == nil {
					add(actor, kind)
					continue
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}
			}

			// Not a local actor; peers address the audience of a library,
			// local or mirrored, through its followers collection.
			library, err := i.db.GetLibraryByFollowersUrl(ctx, u)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			followers, err := i.db.ApprovedFollowers(ctx, library.ID)
			if err != nil {
				return err
			}
			for _, follower := range followers {
				add(follower, kind)
			}
		}
		return nil
	}

	if err := collect(jsonld.PropTo, "to"); err != nil {
		return nil, err
	}
	if err := collect(jsonld.PropCc, "cc"); err != nil {
		return nil, err
	}

	if len(recipients) == 0 {
		return nil, nil
	}
	return items, i.db.CreateInboxItems(ctx, activityID, recipients)
}
