// Package web is the federation HTTP surface: actor documents, inboxes,
// library collections and the listen endpoint remote followers stream from.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/perlatus/fonoteca/internal/service"
	"github.com/perlatus/fonoteca/internal/state"
)

const ContentTypeActivity = "application/activity+json"

type Handler struct {
	state   *state.State
	service service.Service
}

func New(st *state.State, svc service.Service) Handler {
	return Handler{
		state:   st,
		service: svc,
	}
}

// writeDocument renders a JSON-LD document with the ActivityPub media type.
func writeDocument(w http.ResponseWriter, status int, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("unable to marshal federation document")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeActivity)
	w.WriteHeader(status)
	w.Write(body)
}
