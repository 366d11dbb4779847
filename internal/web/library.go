package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/config"
	"github.com/perlatus/fonoteca/internal/conversions"
	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/domain"
)

// LibraryDocument serves a library as a JSON-LD Library object, or one
// CollectionPage of its uploads when ?page=N is given. Non-public libraries
// require a signed request from the owner or an approved follower.
func LibraryDocument(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		lib, owner, ok := loadLibrary(h, w, r)
		if !ok {
			return
		}

		page, paged := pageParam(r)
		if !paged {
			writeDocument(w, http.StatusOK, conversions.LibraryToMap(&lib, &owner))
			return
		}

		pageSize := int64(h.state.Config.CollectionPageSize)
		uploads, _, err := h.state.DB.UploadsForLibrary(ctx, lib.ID, int64(page-1)*pageSize, pageSize)
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		items := make([]map[string]any, 0, len(uploads))
		for _, u := range uploads {
			track, err := h.state.DB.GetTrackByID(ctx, u.TrackID)
			if err != nil {
				log.Error().Err(err).Int64("upload", u.ID).Msg("track lookup failed")
				continue
			}
			listenUrl := h.state.Config.Url.JoinPath("api", "v1", "listen", u.Uuid.String())
			items = append(items, conversions.AudioToMap(&u, &track, &lib, listenUrl))
		}
		writeDocument(w, http.StatusOK,
			conversions.LibraryPageToMap(&lib, &owner, items, page, int(pageSize)))
	}
}

// LibraryFollowers lists the approved followers of a library, under the same
// access rule as the library itself.
func LibraryFollowers(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, _, ok := loadLibrary(h, w, r)
		if !ok {
			return
		}

		followers, err := h.state.DB.ApprovedFollowers(r.Context(), lib.ID)
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		actors := make([]*domain.Actor, len(followers))
		for i := range followers {
			actors[i] = &followers[i]
		}
		writeDocument(w, http.StatusOK, conversions.FollowersPageToMap(&lib, actors))
	}
}

// loadLibrary resolves the {uuid} route parameter and enforces the privacy
// level. It writes the error response itself and reports ok=false.
func loadLibrary(h *Handler, w http.ResponseWriter, r *http.Request) (domain.Library, domain.Actor, bool) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "", http.StatusNotFound)
		return domain.Library{}, domain.Actor{}, false
	}
	lib, err := h.state.DB.GetLibraryByUuid(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "", http.StatusNotFound)
		return domain.Library{}, domain.Actor{}, false
	}
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return domain.Library{}, domain.Actor{}, false
	}
	owner, err := h.state.DB.GetActorByID(ctx, lib.ActorID)
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return domain.Library{}, domain.Actor{}, false
	}

	if lib.PrivacyLevel != config.PrivacyEveryone {
		reader, err := authenticate(h, r)
		if err != nil {
			http.Error(w, "", http.StatusUnauthorized)
			return domain.Library{}, domain.Actor{}, false
		}
		if !canReadLibrary(h, r, reader, lib) {
			http.Error(w, "", http.StatusForbidden)
			return domain.Library{}, domain.Actor{}, false
		}
	}
	return lib, owner, true
}

func canReadLibrary(h *Handler, r *http.Request, reader domain.Actor, lib domain.Library) bool {
	if reader.ID == lib.ActorID {
		return true
	}
	if lib.PrivacyLevel == config.PrivacyInstance && reader.IsLocal(h.state.Config.Host) {
		return true
	}
	approved, err := h.state.DB.HasApprovedFollow(r.Context(), reader.ID, lib.ID)
	if err != nil {
		log.Error().Err(err).Int64("library", lib.ID).Msg("follow lookup failed")
		return false
	}
	return approved
}
