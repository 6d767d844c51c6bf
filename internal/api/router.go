package api

import (
	"github.com/go-chi/chi/v5"
)

// Routes lays out the /api surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Post("/", h.CreateStream)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Delete("/", h.DeleteStream)
			r.Post("/rotate-key", h.RotateStreamKey)
			r.Post("/end", h.EndStream)
		})
	})
	r.Post("/viewer-tokens", h.IssueViewerToken)
	r.Post("/rooms/{id}/system", h.RoomSystemMessage)
	return r
}
