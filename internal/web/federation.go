package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/conversions"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
	"github.com/perlatus/fonoteca/internal/federation"
	"github.com/perlatus/fonoteca/internal/jsonld"
	"github.com/perlatus/fonoteca/internal/signing"
)

// ActorDocument serves the actor's JSON-LD document. Deleted actors keep
// resolving as a Tombstone with 410 so remotes can tell "gone" from "never
// existed".
func ActorDocument(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := chi.URLParam(r, "name")

		actor, err := h.state.DB.GetActorByUsername(ctx, name, h.state.Config.Host)
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("name", name).Msg("actor lookup failed")
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		if actor.Type == domain.TypeTombstone {
			doc, err := conversions.Serialize(conversions.NewTombstone(actor.Fid, "", time.Now().UTC()))
			if err != nil {
				http.Error(w, "", http.StatusInternalServerError)
				return
			}
			writeDocument(w, http.StatusGone, doc)
			return
		}

		doc, err := conversions.Serialize(conversions.ActorToVocab(&actor))
		if err != nil {
			log.Error().Err(err).Str("name", name).Msg("actor serialization failed")
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		writeDocument(w, http.StatusOK, doc)
	}
}

// ActorInbox accepts signed activities addressed to one local actor.
func ActorInbox(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if _, err := h.state.DB.GetActorByUsername(r.Context(), name, h.state.Config.Host); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.Error(w, "", http.StatusNotFound)
				return
			}
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		receiveActivity(h, w, r)
	}
}

// SharedInbox accepts signed activities addressed to this instance as a
// whole; fan-out to local recipients happens from the addressing fields.
func SharedInbox(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receiveActivity(h, w, r)
	}
}

func receiveActivity(h *Handler, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sender, err := authenticate(h, r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, signing.ErrMissingSignature) &&
			!errors.Is(err, signing.ErrSignatureInvalid) &&
			!errors.Is(err, signing.ErrDateSkew) &&
			!errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Msg("inbox authentication failed")
			status = http.StatusInternalServerError
		}
		http.Error(w, "", status)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	err = h.state.Inbox.Receive(ctx, payload, sender)
	switch {
	case errors.Is(err, federation.ErrActorMismatch):
		http.Error(w, "", http.StatusForbidden)
	case errors.Is(err, federation.ErrMissingProperty),
		errors.Is(err, federation.ErrUnprocessablePropValue):
		http.Error(w, "", http.StatusBadRequest)
	case err != nil:
		log.Error().Err(err).Str("sender", sender.Fid.String()).Msg("inbox processing failed")
		http.Error(w, "", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// authenticate verifies the request signature and resolves the signing
// actor. Verification already upserts unknown actors through the registry,
// so the follow-up lookup only misses on local purges racing the request.
func authenticate(h *Handler, r *http.Request) (domain.Actor, error) {
	ownerFid, err := signing.Verify(r.Context(), r, h.state.Registry)
	if err != nil {
		return domain.Actor{}, err
	}
	fid, err := url.Parse(ownerFid)
	if err != nil {
		return domain.Actor{}, err
	}
	return h.state.DB.GetActorByFid(r.Context(), fid)
}

// ActorOutbox pages through the activities this actor has published.
func ActorOutbox(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := chi.URLParam(r, "name")

		actor, err := h.state.DB.GetActorByUsername(ctx, name, h.state.Config.Host)
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		page, ok := pageParam(r)
		pageSize := int64(h.state.Config.CollectionPageSize)

		if !ok {
			_, total, err := h.state.DB.ActivitiesForActor(ctx, actor.ID, 0, 0)
			if err != nil {
				http.Error(w, "", http.StatusInternalServerError)
				return
			}
			writeDocument(w, http.StatusOK, map[string]any{
				"@context":   jsonld.DefaultContexts,
				"type":       "OrderedCollection",
				"id":         actor.OutboxUrl.String(),
				"totalItems": total,
				"first":      pageUrl(actor.OutboxUrl, 1),
			})
			return
		}

		activities, total, err := h.state.DB.ActivitiesForActor(ctx, actor.ID, int64(page-1)*pageSize, pageSize)
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		items := make([]any, 0, len(activities))
		for _, a := range activities {
			items = append(items, json.RawMessage(a.Payload))
		}
		doc := map[string]any{
			"@context":     jsonld.DefaultContexts,
			"type":         "OrderedCollectionPage",
			"id":           pageUrl(actor.OutboxUrl, page),
			"partOf":       actor.OutboxUrl.String(),
			"totalItems":   total,
			"orderedItems": items,
		}
		if int64(page)*pageSize < total {
			doc["next"] = pageUrl(actor.OutboxUrl, page+1)
		}
		if page > 1 {
			doc["prev"] = pageUrl(actor.OutboxUrl, page-1)
		}
		writeDocument(w, http.StatusOK, doc)
	}
}

// pageParam reads ?page=N; absent or unparsable means the top-level
// collection document is wanted.
func pageParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

func pageUrl(base *url.URL, page int) string {
	u := *base
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
