package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"treechat/interfaces/http/rest/handlers"
)

// Routes returns the v1 API.
func Routes(sessions *handlers.SessionHandler, contexts *handlers.ContextHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(versionHeaders)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", sessions.CreateSession)
		r.Get("/{sessionID}", sessions.GetSession)
		r.Delete("/{sessionID}", sessions.DeleteSession)
		r.Get("/{sessionID}/tree", sessions.GetTree)
		r.Post("/{sessionID}/deepdives", sessions.OpenDeepDive)
		r.Post("/{sessionID}/rebuild-messages", sessions.RebuildMessages)
	})

	r.Route("/contexts/{contextID}", func(r chi.Router) {
		r.Post("/messages", contexts.Submit)
		r.Get("/messages", contexts.Messages)
		r.Get("/path", contexts.Path)
		r.Put("/active", contexts.SetActive)
		r.Delete("/", contexts.Close)
	})

	r.Get("/transitions", contexts.Transitions)
	return r
}

// versionHeaders adds API version headers to responses
func versionHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", "v1")
		next.ServeHTTP(w, r)
	})
}
