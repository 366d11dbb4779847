package wellknown

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/state"
)

const nodeinfoSchema20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"

// softwareVersion is stamped at build time.
var softwareVersion = "dev"

type nodeinfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type nodeinfoUsage struct {
	Users struct {
		Total int64 `json:"total"`
	} `json:"users"`
	LocalPosts int64 `json:"localPosts"`
}

type nodeinfoDocument struct {
	Version           string           `json:"version"`
	Software          nodeinfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          map[string]any   `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             nodeinfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

// NodeinfoDiscovery serves the well-known document pointing at the actual
// nodeinfo payload.
func NodeinfoDiscovery(st *state.State) http.HandlerFunc {
	href := st.Config.Url.JoinPath("api", "v1", "instance", "nodeinfo", "2.0").String()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(map[string]any{
			"links": []WebfingerLink{{Rel: nodeinfoSchema20, Href: href}},
		})
		if err != nil {
			log.Error().Err(err).Msg("unable to marshal nodeinfo discovery")
		}
	}
}

// NodeinfoEndpoint describes this instance: software, usage counters, and
// the federation policy other instances need to know about.
func NodeinfoEndpoint(st *state.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.DB.Stats(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		serviceActor, err := st.Registry.ServiceActor(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		doc := nodeinfoDocument{
			Version: "2.0",
			Software: nodeinfoSoftware{
				Name:    "fonoteca",
				Version: softwareVersion,
			},
			Protocols: []string{"activitypub"},
			Services:  map[string]any{"inbound": []string{}, "outbound": []string{}},
			Metadata: map[string]any{
				"nodeName": st.Config.Name,
				"actorId":  serviceActor.Fid.String(),
				"library": map[string]any{
					"federationEnabled": st.Config.FederationEnabled,
					"music": map[string]any{
						"libraries": stats.Libraries,
						"uploads":   stats.Uploads,
						"listened":  stats.ListenedTracks,
					},
				},
			},
		}
		doc.Usage.Users.Total = stats.LocalActors
		doc.Usage.LocalPosts = stats.Uploads

		allowList := map[string]any{"enabled": st.Config.AllowListEnabled}
		if st.Config.AllowListEnabled && st.Config.AllowListPublic {
			domains, err := st.DB.AllowedDomains(r.Context())
			if err != nil {
				http.Error(w, "", http.StatusInternalServerError)
				return
			}
			allowList["domains"] = domains
		}
		doc.Metadata["allowList"] = allowList

		w.Header().Set("Content-Type", "application/json")
		if err = json.NewEncoder(w).Encode(doc); err != nil {
			log.Error().Err(err).Msg("unable to marshal nodeinfo response")
		}
	}
}
