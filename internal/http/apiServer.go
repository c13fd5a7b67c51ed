package http

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"nexum/internal/api"
	"nexum/internal/ws"

	"github.com/rs/cors"
)

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the REST API and the push channel. allowedOrigins
// configures CORS; "*" allows any origin.
func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, allowedOrigins []string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	// REST endpoints
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", apiHandlers.RequireAuth(apiHandlers.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/users/search", apiHandlers.RequireAuth(apiHandlers.SearchUsersHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: !slices.Contains(allowedOrigins, "*"),
	})

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: corsHandler.Handler(mux),
		},
		logger: logger,
	}
}

// Handler returns the server's root handler.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
