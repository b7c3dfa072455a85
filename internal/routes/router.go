package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"colony-experiment/gatekeeper/internal/api"
	"colony-experiment/gatekeeper/internal/dispatch"
	"colony-experiment/gatekeeper/internal/linking"
	"colony-experiment/gatekeeper/internal/logging"
)

// RegisterRoutes wires the thin HTTP surface: wallet-link endpoints for the
// signing page and guild endpoints for triggering surfaces.
func RegisterRoutes(d *dispatch.Dispatcher, links *linking.Manager, upSince time.Time) http.Handler {

	// initialize Chi router
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	// health check
	r.Get("/healthCheck", api.HealthCheckHandler(upSince))

	linkHandlers := api.NewLinkHandlers(links)
	r.Route("/link/{session}", func(r chi.Router) {
		r.Get("/", linkHandlers.GetChallenge)
		r.Post("/complete", linkHandlers.Complete)
		r.Post("/reject", linkHandlers.Reject)
	})

	guildHandlers := api.NewGuildHandlers(d.Commands())
	r.Route("/guilds/{guild}", func(r chi.Router) {
		r.Post("/check", guildHandlers.Check)
		r.Get("/roles", guildHandlers.Roles)
		r.Route("/gates", func(r chi.Router) {
			r.Post("/", guildHandlers.AddGate)
			r.Get("/", guildHandlers.ListGates)
			r.Delete("/{gate}", guildHandlers.RemoveGate)
		})
	})

	logging.Info("Router initialized")
	return r
}
