package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/config"
	"github.com/room4-2/sahayak/messages"
	"github.com/room4-2/sahayak/relay"
)

// SessionPath is the WebSocket endpoint clients connect to.
const SessionPath = "/sahayak-teacher"

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *relay.Manager
	config         *config.Config
}

func NewServerWebsocket(cfg *config.Config, sessionManager *relay.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Not a browser.
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(SessionPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	logger.Infof("🚀 WebSocket server starting on port %d, %s", s.config.Port, s.sessionManager)
	logger.Infof("📡 WebSocket endpoint: ws://localhost:%d%s", s.config.Port, SessionPath)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("🛑 Shutting down server...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("WebSocket upgrade failed: %v", err)
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		logger.Errorf("Failed to create session: %v", err)
		if frame, encErr := messages.Encode(messages.NewConnectionMessage(false, err.Error())); encErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		conn.Close()
		return
	}

	logger.Infof("✅ New session created: %s", clientSession.ID)

	clientSession.Start()

	<-clientSession.CloseChan

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	logger.Infof("🔌 Session closed: %s", clientSession.ID)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}
