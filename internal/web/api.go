package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/musiccache"
	"github.com/perlatus/fonoteca/internal/service"
)

// Listen streams an upload's audio, pulling remote bytes into the cache on
// first use. The first listener on a cold upload pays the fetch latency.
func Listen(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "uuid"))
		if err != nil {
			http.Error(w, "", http.StatusNotFound)
			return
		}

		path, upload, err := h.service.Listen(r.Context(), id)
		switch {
		case errors.Is(err, db.ErrNotFound), errors.Is(err, musiccache.ErrNoSource):
			http.Error(w, "", http.StatusNotFound)
			return
		case errors.Is(err, service.ErrInvalidInput):
			http.Error(w, "", http.StatusBadRequest)
			return
		case err != nil:
			log.Error().Err(err).Str("upload", id.String()).Msg("listen failed")
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		if upload.Mimetype != "" {
			w.Header().Set("Content-Type", upload.Mimetype)
		}
		http.ServeFile(w, r, path)
	}
}
