package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// RouterConfig configures the v1 guards. A nil Keys disables authentication.
type RouterConfig struct {
	Keys       KeyStore
	RateLimit  int
	RateWindow time.Duration
	TrustProxy bool
}

// NewRouter wires the handlers, middleware and CORS.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(RequestID, RequestLogger, Recovery)
	router.NotFoundHandler = RequestID(http.HandlerFunc(h.NotFound))

	router.HandleFunc("/", h.Index).Methods("GET")
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/v1", h.Forbidden).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		v1.Use(RateLimit(cfg.RateLimit, cfg.RateWindow, cfg.TrustProxy))
	}
	if cfg.Keys != nil {
		v1.Use(APIKeyAuth(cfg.Keys))
	}

	// Session routes
	v1.HandleFunc("/wa/session", h.CreateSession).Methods("POST")
	v1.HandleFunc("/wa/session", h.ListSessions).Methods("GET")
	v1.HandleFunc("/wa/session/{id}", h.GetSession).Methods("GET")
	v1.HandleFunc("/wa/session/{id}", h.DeleteSession).Methods("DELETE")
	v1.HandleFunc("/wa/session/{id}/messages", h.ListMessages).Methods("GET")
	v1.HandleFunc("/wa/session/{id}/ws", h.SessionEvents).Methods("GET")

	// Message routes
	v1.HandleFunc("/wa/send-message", h.SendMessage).Methods("POST")

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", requestIDHeader, accessKeyHeader, secretKeyHeader},
		ExposedHeaders: []string{requestIDHeader},
	}).Handler(router)
}
