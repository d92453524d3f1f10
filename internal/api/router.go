package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors)

	r.Get("/health", apiHandler.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/send", apiHandler.ChatSendHandler)
			r.Post("/stream", apiHandler.ChatStreamHandler)
		})

		r.Route("/emotion", func(r chi.Router) {
			r.Post("/analyze", apiHandler.EmotionAnalyzeHandler)
			r.Get("/history", apiHandler.EmotionHistoryHandler)
		})

		// Diary routes are placeholders until entries are persisted server side.
		r.Route("/diary", func(r chi.Router) {
			r.Post("/save", apiHandler.DiarySaveHandler)
			r.Get("/list", apiHandler.DiaryListHandler)
			r.Get("/{id}", apiHandler.DiaryEntryHandler)
		})

		r.Post("/knowledge/search", apiHandler.KnowledgeSearchHandler)
	})

	return r
}
