package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumenwell/serenity/backend/internal/handler/auth"
	"github.com/lumenwell/serenity/backend/internal/handler/completion"
	"github.com/lumenwell/serenity/backend/internal/handler/rows"
	"github.com/lumenwell/serenity/backend/internal/handler/session"
	middlewarePkg "github.com/lumenwell/serenity/backend/internal/middleware"
	chatService "github.com/lumenwell/serenity/backend/internal/service/chat"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage"
	"github.com/lumenwell/serenity/backend/pkg/utils"
)

// Dependencies are the services the router exposes. Replier, Completer and
// Issuer are optional; their routes answer 503 or are not mounted.
type Dependencies struct {
	Store           storage.Gateway
	Replier         completion.Replier
	Completer       chatService.Completer
	Issuer          *identity.Issuer
	Keys            middlewarePkg.Keys
	DevTokens       bool
	ModelName       string
	RateLimiter     *middlewarePkg.RateLimiter
	MaxPendingBytes int
	MaxRequestBytes int64
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	var verifier middlewarePkg.Verifier
	if deps.Issuer != nil {
		verifier = deps.Issuer
	}
	authenticate := middlewarePkg.Auth(verifier, deps.Keys)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Hosted chat function: OpenAI-style SSE completions.
	r.Route("/functions/v1", func(fn chi.Router) {
		fn.Use(authenticate)
		if deps.RateLimiter != nil {
			fn.Use(deps.RateLimiter.Middleware)
		}
		completion.New(deps.Replier, deps.ModelName, deps.MaxRequestBytes).RegisterRoutes(fn)
	})

	// Row store for chat_messages.
	r.Route("/rest/v1", func(rest chi.Router) {
		rest.Use(authenticate)
		rows.New(deps.Store).RegisterRoutes(rest)
	})

	r.Route("/api", func(api chi.Router) {
		if deps.DevTokens && deps.Issuer != nil {
			auth.New(deps.Issuer).RegisterRoutes(api)
		}

		if deps.Completer != nil {
			api.Group(func(ws chi.Router) {
				ws.Use(authenticate)
				ws.Use(middlewarePkg.RequireUser)
				session.New(newSessionFactory(deps)).RegisterRoutes(ws)
			})
		}
	})

	return r
}

// newSessionFactory builds server-side sessions that talk to the local store
// and the in-process completer.
func newSessionFactory(deps Dependencies) session.Factory {
	return func(userID string, listener chatService.Listener) (*chatService.Session, error) {
		return chatService.NewSession(chatService.Options{
			Gateway:         deps.Store,
			Completer:       deps.Completer,
			Identity:        identity.Static(userID),
			Listener:        listener,
			MaxPendingBytes: deps.MaxPendingBytes,
		})
	}
}
