package chatserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"medchat/internal/middleware"
	"medchat/internal/user"
)

// NewRouter wires the public account routes and the authenticated chat
// routes.
func NewRouter(users *user.Handler, chat *Handler, auth *middleware.AuthMiddleware, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Post("/register", users.Register)
	r.Post("/login", users.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/api/users/search", users.SearchUsers)
		chat.Routes(r)
	})
	return r
}
