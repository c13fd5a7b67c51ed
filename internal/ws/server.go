package ws

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Authenticator resolves a bearer token to the user's e-mail.
type Authenticator interface {
	GetIdentity(token string) (string, error)
}

type ServerConfig struct {
	// AllowedOrigins lists origins allowed to open the socket. "*" or an
	// empty list allows any.
	AllowedOrigins []string
	// SendInterval and SendBurst throttle send_message per socket.
	SendInterval time.Duration
	SendBurst    int
	Logger       *slog.Logger
}

type Server struct {
	auth     Authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
	cfg      ServerConfig
	logger   *slog.Logger
}

func NewServer(auth Authenticator, hub *Hub, cfg ServerConfig) *Server {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 100 * time.Millisecond
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		auth:   auth,
		hub:    hub,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "ws"),
	}
	s.upgrader = &websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.ContainsFunc(s.cfg.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, origin)
	})
}

// BearerToken extracts the token from the Authorization header, falling
// back to the token query parameter used by browsers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.auth.GetIdentity(BearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.SendInterval), s.cfg.SendBurst)
	conn := NewConnection(s.hub, ws, identity, limiter, s.logger)
	s.logger.Debug("websocket connected", "identity", identity, "remote", r.RemoteAddr)

	if err := conn.Handle(r.Context()); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("websocket closed", "identity", identity, "error", err)
	}
}
