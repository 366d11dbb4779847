package web

import (
	"github.com/go-chi/chi/v5"
)

func (h *Handler) Mount(r chi.Router) {
	r.Route("/federation", func(r chi.Router) {
		r.Get("/actors/{name}", ActorDocument(h))
		r.Post("/actors/{name}/inbox", ActorInbox(h))
		r.Get("/actors/{name}/outbox", ActorOutbox(h))
		r.Post("/shared/inbox", SharedInbox(h))

		r.Get("/music/libraries/{uuid}", LibraryDocument(h))
		r.Get("/music/libraries/{uuid}/followers", LibraryFollowers(h))
	})

	r.Get("/api/v1/listen/{uuid}", Listen(h))
}
