package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/utils"
	"github.com/perlatus/fonoteca/internal/validate"
)

// maxScanPages bounds how far a single scan will walk a remote collection,
// so a malicious or broken pagination cannot keep the worker busy forever.
const maxScanPages = 500

var fetchableActorTypes = map[string]bool{
	domain.TypePerson:       true,
	domain.TypeApplication:  true,
	domain.TypeGroup:        true,
	domain.TypeOrganization: true,
	domain.TypeService:      true,
}

func (q *Queue) register() {
	q.queues.Register(backlite.NewQueue[FetchJob](q.fetch()))
	q.queues.Register(backlite.NewQueue[ScanJob](q.scan()))
	q.queues.Register(backlite.NewQueue[NodeinfoJob](q.nodeinfo()))
	q.queues.Register(backlite.NewQueue[SweepJob](q.sweep()))
	q.queues.Register(backlite.NewQueue[KeyRotationJob](q.rotateKey()))
	q.queues.Register(backlite.NewQueue[InboxRetryJob](q.retryInbox()))
}

func (q *Queue) fetch() func(context.Context, FetchJob) error {
	return func(ctx context.Context, task FetchJob) error {
		log.Debug().Str("url", task.Url).Msg("fetching remote object")

		objectFid, err := q.runFetch(ctx, task.Url)
		q.recordFetch(ctx, task.FetchID, objectFid, err)
		return err
	}
}

func (q *Queue) runFetch(ctx context.Context, rawUrl string) (*url.URL, error) {
	target, err := q.resolve(ctx, rawUrl)
	if err != nil {
		return nil, err
	}

	doc, err := q.client.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	expanded, err := q.processor.Expand(doc)
	if err != nil {
		return nil, err
	}

	switch objectType := jsonld.Type(expanded); {
	case fetchableActorTypes[objectType]:
		actor, err := federation.ParseActor(expanded)
		if err != nil {
			return nil, err
		}
		// A document may only describe an actor on its own host.
		if actor.Fid.Hostname() != target.Hostname() {
			return nil, fmt.Errorf("%w: document at %s claims id %s",
				federation.ErrUnprocessablePropValue, target, actor.Fid)
		}
		actor.LastFetchDate = time.Now()
		stored, err := q.db.UpsertActor(ctx, *actor)
		if err != nil {
			return nil, err
		}
		return stored.Fid, nil

	case objectType == "Audio":
		audio, err := federation.ParseAudio(expanded)
		if err != nil {
			return nil, err
		}
		library, err := q.db.GetLibraryByFid(ctx, audio.LibraryFid)
		if err != nil {
			return nil, err
		}
		if err = q.storeAudio(ctx, library, audio); err != nil {
			return nil, err
		}
		return audio.Fid, nil

	case objectType == "Library":
		parsed, err := federation.ParseLibrary(expanded)
		if err != nil {
			return nil, err
		}
		library, err := q.db.GetLibraryByFid(ctx, parsed.Fid)
		if err != nil {
			return nil, err
		}
		library.Name = parsed.Name
		library.Description = parsed.Summary
		library.UploadsCount = parsed.TotalItems
		if err = q.db.UpdateLibrary(ctx, library); err != nil {
			return nil, err
		}
		return library.Fid, nil

	default:
		return nil, fmt.Errorf("%w: type %q", federation.ErrUnprocessablePropValue, objectType)
	}
}

// resolve turns a fetchable url into the object's id, going through
// webfinger for user@domain style references.
func (q *Queue) resolve(ctx context.Context, raw string) (*url.URL, error) {
	if rest, ok := strings.CutPrefix(raw, "webfinger://"); ok {
		username, domainName, err := validate.AcctResource(rest)
		if err != nil {
			return nil, err
		}
		return q.client.Webfinger(ctx, username, domainName)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unfetchable url %q", raw)
	}
	return u, nil
}

func (q *Queue) recordFetch(ctx context.Context, fetchID int64, objectFid *url.URL, fetchErr error) {
	if fetchID == 0 {
		return
	}

	fetch, err := q.db.GetFetchByID(ctx, fetchID)
	if err != nil {
		log.Error().Err(err).Int64("fetch", fetchID).Msg("fetch row disappeared")
		return
	}

	fetch.FetchDate = time.Now()
	if fetchErr == nil {
		fetch.Status = domain.FetchFinished
		fetch.ObjectFid = objectFid
		fetch.Detail = nil
	} else {
		fetch.Status = domain.FetchErrored
		fetch.Detail, _ = json.Marshal(map[string]string{"error": fetchErr.Error()})
	}

	if err = q.db.UpdateFetch(ctx, fetch); err != nil {
		log.Error().Err(err).Int64("fetch", fetchID).Msg("failed to update fetch row")
	}
}

func (q *Queue) scan() func(context.Context, ScanJob) error {
	return func(ctx context.Context, task ScanJob) error {
		library, err := q.db.GetLibraryByID(ctx, task.LibraryID)
		if errors.Is(err, db.ErrNotFound) {
			log.Info().Int64("library", task.LibraryID).Msg("scan for deleted library")
			return nil
		}
		if err != nil {
			return err
		}

		log.Info().Str("library", library.Fid.String()).Msg("scanning remote library")

		doc, err := q.client.Get(ctx, library.Fid)
		if err != nil {
			return err
		}
		expanded, err := q.processor.Expand(doc)
		if err != nil {
			return err
		}
		if parsed, err := federation.ParseLibrary(expanded); err == nil {
			library.Name = parsed.Name
			library.Description = parsed.Summary
			library.UploadsCount = parsed.TotalItems
			if err = q.db.UpdateLibrary(ctx, library); err != nil {
				return err
			}
		}

		page := int64(1)
		if checkpoint, err := q.db.GetScanCheckpoint(ctx, library.ID); err == nil && checkpoint.Page > 0 {
			page = checkpoint.Page
			log.Debug().Int64("page", page).Msg("resuming scan from checkpoint")
		}

		for ; page <= maxScanPages; page++ {
			more, err := q.scanPage(ctx, library, page)
			if err != nil {
				return err
			}
			if err = q.db.SetScanCheckpoint(ctx, library.ID, page); err != nil {
				return err
			}
			if !more {
				break
			}
		}

		return q.db.ClearScanCheckpoint(ctx, library.ID)
	}
}

func (q *Queue) scanPage(ctx context.Context, library domain.Library, page int64) (more bool, err error) {
	pageUrl := *library.Fid
	values := pageUrl.Query()
	values.Set("page", strconv.FormatInt(page, 10))
	pageUrl.RawQuery = values.Encode()

	doc, err := q.client.Get(ctx, &pageUrl)
	if err != nil {
		return false, err
	}
	expanded, err := q.processor.Expand(doc)
	if err != nil {
		return false, err
	}

	itemsProp := jsonld.NamespaceAS + "items"
	if err = q.processor.Dereference(ctx, expanded, []string{itemsProp}, q.fetchDocument); err != nil {
		return false, err
	}

	items := jsonld.ListNodes(expanded, itemsProp)
	for _, item := range items {
		audio, err := federation.ParseAudio(item)
		if err != nil {
			log.Warn().Err(err).Str("library", library.Fid.String()).Msg("skipping unparseable item")
			continue
		}
		if audio.LibraryFid.String() != library.Fid.String() {
			log.Warn().
				Str("claimed", audio.LibraryFid.String()).
				Str("scanned", library.Fid.String()).
				Msg("skipping item claiming another library")
			continue
		}
		if err = q.storeAudio(ctx, library, audio); err != nil {
			return false, err
		}
	}

	return len(items) > 0 && jsonld.FirstID(expanded, jsonld.NamespaceAS+"next") != "", nil
}

func (q *Queue) storeAudio(ctx context.Context, library domain.Library, audio *federation.Audio) error {
	track, err := q.db.GetOrCreateTrack(ctx, domain.Track{
		Uuid:       uuid.New(),
		Fid:        audio.TrackFid,
		Title:      audio.Title,
		ArtistName: audio.ArtistName,
	})
	if err != nil {
		return err
	}

	_, err = q.db.UpsertUpload(ctx, domain.Upload{
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

const nodeinfoSchema20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"

func (q *Queue) nodeinfo() func(context.Context, NodeinfoJob) error {
	return func(ctx context.Context, task NodeinfoJob) error {
		payload, serviceActor, err := q.fetchNodeinfo(ctx, task.Domain)
		if err != nil {
			log.Warn().Err(err).Str("domain", task.Domain).Msg("nodeinfo fetch failed")
			if dbErr := q.db.UpdateDomainNodeinfo(ctx, task.Domain, "error", nil, nil); dbErr != nil {
				return dbErr
			}
			return err
		}
		return q.db.UpdateDomainNodeinfo(ctx, task.Domain, "ok", payload, serviceActor)
	}
}

func (q *Queue) fetchNodeinfo(ctx context.Context, domainName string) ([]byte, *url.URL, error) {
	wellKnown := &url.URL{Scheme: "https", Host: domainName, Path: "/.well-known/nodeinfo"}
	discovery, err := q.client.Get(ctx, wellKnown)
	if err != nil {
		return nil, nil, err
	}

	var target *url.URL
	links, _ := discovery["links"].([]any)
	for _, raw := range links {
		link, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if rel, _ := link["rel"].(string); rel != nodeinfoSchema20 {
			continue
		}
		if href, _ := link["href"].(string); href != "" {
			if target, err = url.Parse(href); err == nil {
				break
			}
		}
	}
	if target == nil {
		return nil, nil, fmt.Errorf("no nodeinfo 2.0 link on %s", domainName)
	}

	document, err := q.client.Get(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(document)
	if err != nil {
		return nil, nil, err
	}

	var serviceActor *url.URL
	if metadata, ok := document["metadata"].(map[string]any); ok {
		if id, _ := metadata["actorId"].(string); id != "" {
			serviceActor, _ = url.Parse(id)
		}
	}
	return payload, serviceActor, nil
}

func (q *Queue) sweep() func(context.Context, SweepJob) error {
	return func(ctx context.Context, task SweepJob) error {
		if err := q.cache.Evict(ctx); err != nil {
			return err
		}
		return q.cache.SweepOrphans(ctx)
	}
}

func (q *Queue) retryInbox() func(context.Context, InboxRetryJob) error {
	return func(ctx context.Context, task InboxRetryJob) error {
		if q.inbox == nil {
			return nil
		}
		return q.inbox.Redispatch(ctx, task.ActivityID)
	}
}

func (q *Queue) rotateKey() func(context.Context, KeyRotationJob) error {
	return func(ctx context.Context, task KeyRotationJob) error {
		actor, err := q.db.GetActorByID(ctx, task.ActorID)
		if err != nil {
			return err
		}
		pub, priv, err := utils.GenerateKeysPem(q.cfg.RsaKeySize)
		if err != nil {
			return err
		}
		log.Info().Str("fid", actor.Fid.String()).Msg("rotating actor key pair")
		return q.db.SetActorKeyPair(ctx, actor.ID, pub, priv)
	}
}

func (q *Queue) fetchDocument(ctx context.Context, iri string) (map[string]any, error) {
	u, err := url.Parse(iri)
	if err != nil {
		return nil, err
	}
	return q.client.Get(ctx, u)
}
