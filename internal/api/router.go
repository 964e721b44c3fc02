package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires all application routes onto a chi router.
func NewRouter(chatHandler *ChatHandler, settingsHandler *SettingsHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Liveness probe for container orchestration.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Plain JSON routes get a request timeout so stuck connections
		// cannot pile up.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/settings", settingsHandler.GetSettings)
			r.Post("/settings", settingsHandler.UpdateSettings)
			r.Get("/profile", settingsHandler.GetProfile)
			r.Put("/profile", settingsHandler.UpdateProfile)

			r.Get("/conversations", chatHandler.ListConversations)
			r.Post("/conversations", chatHandler.CreateConversation)
			r.Post("/conversations/{conversationID}/select", chatHandler.SelectConversation)
			r.Put("/conversations/{conversationID}/title", chatHandler.RenameConversation)
			r.Put("/conversations/{conversationID}/group", chatHandler.SetConversationGroup)
			r.Delete("/conversations/{conversationID}", chatHandler.DeleteConversation)
			r.Delete("/conversations/{conversationID}/messages", chatHandler.ClearConversation)

			r.Get("/messages", chatHandler.GetMessages)
			r.Post("/messages/stop", chatHandler.HandleStop)
			r.Post("/messages/{messageID}/feedback", chatHandler.HandleFeedback)
		})

		// Streaming routes hold the connection open for the duration of a
		// generation and must not carry a timeout.
		r.Group(func(r chi.Router) {
			r.Post("/messages", chatHandler.HandleSendMessage)
			r.Post("/messages/{messageID}/regenerate", chatHandler.HandleRegenerate)
			r.Put("/messages/{messageID}", chatHandler.HandleEditMessage)
		})
	})

	return r
}
