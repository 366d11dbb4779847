package wellknown

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/db"
	"github.com/perlatus/fonoteca/internal/state"
	"github.com/perlatus/fonoteca/internal/validate"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

func Mount(st *state.State, r chi.Router) {
	r.Route("/.well-known/", func(r chi.Router) {
		r.Get("/webfinger", WebfingerEndpoint(st))
		r.Get("/nodeinfo", NodeinfoDiscovery(st))
	})
	r.Get("/api/v1/instance/nodeinfo/2.0", NodeinfoEndpoint(st))
}

// WebfingerEndpoint resolves acct:user@host resources for actors on this
// instance. Remote resources are not proxied.
func WebfingerEndpoint(st *state.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		username, domain, err := validate.AcctResource(resource)
		if err != nil {
			http.Error(w, "failed to parse resource", http.StatusBadRequest)
			return
		}
		if domain != st.Config.Host {
			http.Error(w, "unknown domain", http.StatusNotFound)
			return
		}

		actor, err := st.DB.GetActorByUsername(r.Context(), username, st.Config.Host)
		if err != nil {
			http.Error(w, "", handleErr(err))
			return
		}

		res := WebfingerResponse{
			Subject: "acct:" + actor.FullUsername(),
			Links: []WebfingerLink{
				{Rel: "self", Type: "application/activity+json", Href: actor.Fid.String()},
			},
		}

		w.Header().Set("Content-Type", "application/jrd+json")
		if err = json.NewEncoder(w).Encode(res); err != nil {
			log.Error().Err(err).Msg("unable to marshal webfinger response")
		}
	}
}

func handleErr(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
