// Package api exposes the enrichment stores and pipeline over HTTP for the
// planning wizard's frontend.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/students/{studentID}", func(r chi.Router) {
			r.Post("/chats", h.UpsertChat)
			r.Get("/chats", h.ListChats)
			r.Get("/chats/{chatID}", h.GetChat)
			r.Post("/chats/{chatID}/messages", h.AppendMessage)
			r.Post("/chats/{chatID}/process", h.ProcessChat)
			r.Post("/chats/unprocess", h.MarkUnprocessed)

			r.Post("/process", h.ProcessAll)
			r.Post("/reconcile", h.ReconcileStale)

			r.Get("/graph", h.ReadGraph)
			r.Get("/locations", h.ListLocations)
			r.Delete("/locations/{locationID}", h.DeleteLocation)
			r.Get("/tasks", h.ListTasks)
		})
	})

	return r
}
