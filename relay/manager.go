package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/config"
	"github.com/room4-2/sahayak/handoff"
)

// ErrMaxSessions is returned when the relay is at capacity.
var ErrMaxSessions = errors.New("maximum sessions reached")

const activeSessionsKey = "active_sessions"

// Manager manages all client sessions
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	handoff  *handoff.Store
	config   *config.Config
	factory  BackendFactory
}

// NewManager creates a session manager. Redis is optional: without it
// sessions are only tracked in memory and payloads are not stored.
func NewManager(cfg *config.Config, factory BackendFactory) *Manager {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Infof("⚠️ redis unavailable at %s, continuing without it: %v", cfg.RedisURL, err)
		redisClient.Close()
		redisClient = nil
	}
	return NewManagerWithClient(cfg, factory, redisClient)
}

// NewManagerWithClient creates a manager around an existing Redis client,
// which may be nil.
func NewManagerWithClient(cfg *config.Config, factory BackendFactory, redisClient *redis.Client) *Manager {
	sm := &Manager{
		sessions: make(map[string]*ClientSession),
		redis:    redisClient,
		config:   cfg,
		factory:  factory,
	}
	if redisClient != nil {
		sm.handoff = handoff.NewFromClient(redisClient, handoff.DefaultTTL)
	}
	return sm
}

// Handoff returns the payload store, or nil when Redis is not available.
func (sm *Manager) Handoff() *handoff.Store {
	return sm.handoff
}

// CreateSession creates a new client session
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewClientSession(sessionID, clientConn, sm.factory, sm.config.KeepAlivePeriod)
	session.OnInit = func(mode string) {
		sm.markInitialised(sessionID, mode)
	}
	session.OnPayload = func(mode, payload string) {
		sm.savePayload(sessionID, mode, payload)
	}

	sm.storeSession(ctx, sessionID, session)
	return session, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *ClientSession) {
	sm.sessions[sessionID] = session

	if sm.redis != nil {
		sm.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity.Format(time.RFC3339),
			"status":        "connecting",
		})
		sm.redis.SAdd(ctx, activeSessionsKey, sessionID)
		sm.redis.Expire(ctx, "session:"+sessionID, sm.config.SessionTimeout)
	}
}

func (sm *Manager) markInitialised(sessionID, mode string) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sm.redis.HSet(ctx, "session:"+sessionID, "status", "active", "mode", mode)
}

func (sm *Manager) savePayload(sessionID, mode, payload string) {
	if sm.handoff == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sm.handoff.Save(ctx, handoff.Record{SessionID: sessionID, Mode: mode, Payload: payload})
	if err != nil {
		logger.Errorf("❌ [%s] storing payload: %v", sessionID[:8], err)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return nil
	}
	// Close writes a close frame, so it runs outside the lock.
	session.Close()
	sm.forget(ctx, sessionID)
	return nil
}

func (sm *Manager) forget(ctx context.Context, sessionID string) {
	if sm.redis == nil {
		return
	}
	if err := sm.redis.Del(ctx, "session:"+sessionID).Err(); err != nil {
		logger.Debugf("redis del session %s: %v", sessionID, err)
	}
	sm.redis.SRem(ctx, activeSessionsKey, sessionID)
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	idle := make(map[string]*ClientSession)
	for id, session := range sm.sessions {
		if session.Idle() > sm.config.SessionTimeout {
			idle[id] = session
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for id, session := range idle {
		logger.Infof("🧹 [%s] closing inactive session", id[:8])
		session.Close()
		sm.forget(ctx, id)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*ClientSession)
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for id, session := range sessions {
		session.Close()
		sm.forget(ctx, id)
	}

	if sm.redis != nil {
		if err := sm.redis.Close(); err != nil {
			logger.Debugf("redis close: %v", err)
		}
	}
}

// String summarises the manager for logs.
func (sm *Manager) String() string {
	return fmt.Sprintf("relay(%d/%d sessions)", sm.GetActiveSessionCount(), sm.config.MaxSessions)
}
