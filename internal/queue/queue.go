// Package queue runs the background work of the federation core: fetching
// remote objects, scanning followed libraries, delivering outgoing
// activities, and housekeeping.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/client"
	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/musiccache"
)

const (
	// maintenanceInterval paces the cache sweep and nodeinfo refresh rounds.
	maintenanceInterval = time.Hour
	// nodeinfoMaxAge is how old a domain's nodeinfo may get before it is
	// fetched again.
	nodeinfoMaxAge = 24 * time.Hour
)

// Redispatcher re-runs the inbox handler for a stored activity.
type Redispatcher interface {
	Redispatch(ctx context.Context, activityID int64) error
}

type Queue struct {
	db        db.DB
	cfg       *config.Configuration
	client    *client.HttpClient
	registry  *federation.Registry
	processor *jsonld.Processor
	cache     *musiccache.Cache
	queues    *backlite.Client
	inbox     Redispatcher
}

func New(database db.DB, cfg *config.Configuration, httpClient *client.HttpClient,
	registry *federation.Registry, processor *jsonld.Processor,
	cache *musiccache.Cache, blClient *backlite.Client) *Queue {
	q := &Queue{
		db:        database,
		cfg:       cfg,
		client:    httpClient,
		registry:  registry,
		processor: processor,
		cache:     cache,
		queues:    blClient,
	}
	q.register()
	return q
}

// Start launches the task workers, the delivery worker, and the periodic
// maintenance loop. They all stop when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.queues.Start(ctx)
	go q.deliveryLoop(ctx)
	go q.maintenanceLoop(ctx)
	log.Info().Msg("started task queue")
}

// SetInbox wires the inbox in after construction; the inbox needs the queue
// as its scheduler, so neither can be built first.
func (q *Queue) SetInbox(inbox Redispatcher) {
	q.inbox = inbox
}

// ScheduleScan enqueues a scan of a remote library's collection.
func (q *Queue) ScheduleScan(ctx context.Context, libraryID int64) error {
	log.Debug().Int64("library", libraryID).Msg("enqueueing scan task")
	_, err := q.queues.Add(ScanJob{LibraryID: libraryID}).Save()
	return err
}

// ScheduleInboxRetry enqueues a re-run of the handler for activityID.
func (q *Queue) ScheduleInboxRetry(ctx context.Context, activityID int64) error {
	log.Debug().Int64("activity", activityID).Msg("enqueueing inbox retry")
	_, err := q.queues.Add(InboxRetryJob{ActivityID: activityID}).Save()
	return err
}

// ScheduleKeyRotation enqueues a key pair replacement for a local actor
// after delay. The delay lets deliveries already in the ledger go out signed
// with the key remotes still know.
func (q *Queue) ScheduleKeyRotation(ctx context.Context, actorID int64, delay time.Duration) error {
	log.Debug().Int64("actor", actorID).Dur("delay", delay).Msg("enqueueing key rotation")
	_, err := q.queues.Add(KeyRotationJob{ActorID: actorID}).Wait(delay).Save()
	return err
}

// RequestFetch records a fetch of a remote object on behalf of actorID and
// enqueues it. Callers poll the returned fetch row for the outcome.
func (q *Queue) RequestFetch(ctx context.Context, rawUrl string, actorID int64) (domain.Fetch, error) {
	fetch, err := q.db.CreateFetch(ctx, domain.Fetch{
		Uuid:    uuid.New(),
		Url:     rawUrl,
		ActorID: actorID,
		Status:  domain.FetchPending,
	})
	if err != nil {
		return domain.Fetch{}, err
	}

	if _, err = q.queues.Add(FetchJob{Url: rawUrl, FetchID: fetch.ID}).Save(); err != nil {
		return domain.Fetch{}, err
	}
	return fetch, nil
}

func (q *Queue) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	q.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.maintain(ctx)
		}
	}
}

func (q *Queue) maintain(ctx context.Context) {
	if _, err := q.queues.Add(SweepJob{}).Save(); err != nil {
		log.Error().Err(err).Msg("failed to enqueue sweep task")
	}

	stale, err := q.db.StaleNodeinfoDomains(ctx, time.Now().Add(-nodeinfoMaxAge))
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale domains")
		return
	}
	for _, name := range stale {
		if _, err = q.queues.Add(NodeinfoJob{Domain: name}).Save(); err != nil {
			log.Error().Err(err).Str("domain", name).Msg("failed to enqueue nodeinfo task")
		}
	}
}
