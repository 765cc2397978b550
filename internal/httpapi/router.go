package httpapi

import (
	"database/sql"
	"net/http"

	"branchchat/backend/internal/auth"
	"branchchat/backend/internal/config"
	"branchchat/backend/internal/metrics"
	"branchchat/backend/internal/openrouter"
	"branchchat/backend/internal/tree"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, db *sql.DB, logger zerolog.Logger, m *metrics.Metrics) http.Handler {
	manager := tree.NewManager(db,
		tree.WithMaxDepth(cfg.ThreadMaxDepth),
		tree.WithPreviewRunes(cfg.BranchPreviewRunes),
		tree.WithRecorder(m),
		tree.WithLogger(logger.With().Str("component", "tree").Logger()),
	)
	verifier := auth.NewVerifier(cfg.GoogleClientID)
	client := openrouter.NewClient(cfg, &http.Client{Timeout: cfg.CompletionTimeout})
	h := NewHandler(cfg, db, manager, verifier, client, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger, m))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub"},
		ExposedHeaders:   []string{"Content-Type", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
		})

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireSession)
			p.Use(h.RateLimitMutations)

			p.Route("/conversations", func(c chi.Router) {
				c.Get("/", h.ListConversations)
				c.Post("/", h.CreateConversation)
				c.Delete("/", h.DeleteAllConversations)

				c.Route("/{id}", func(one chi.Router) {
					one.Get("/", h.GetConversation)
					one.Patch("/", h.RenameConversation)
					one.Delete("/", h.DeleteConversation)
					one.Get("/messages", h.ActiveThread)
					one.Post("/messages", h.SendMessage)
					one.Get("/tree", h.ConversationTree)
					one.Get("/branches", h.ConversationBranches)
				})
			})

			p.Route("/messages/{id}", func(msg chi.Router) {
				msg.Patch("/", h.EditMessage)
				msg.Delete("/", h.DeleteMessage)
				msg.Get("/thread", h.MessageThread)
				msg.Get("/branches", h.MessageBranches)
				msg.Post("/switch", h.SwitchBranch)
				msg.Post("/regenerate", h.RegenerateMessage)
			})
		})
	})

	return r
}
