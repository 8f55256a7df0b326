package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/parleyhq/parley/internal/adapter/driven/signaling/memory"
)

type Handler struct {
	Channel *memory.Channel
}

func NewHandler(channel *memory.Channel) *Handler {
	return &Handler{Channel: channel}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws", h.ServeWS)

	return r
}
