package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/control"
	"github.com/room4-2/sahayak/messages"
)

// ErrNotInitialised is reported when a client sends media before init.
var ErrNotInitialised = errors.New("session not initialised")

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 4 * 1024 * 1024
)

// ClientSession represents a single client's connection
type ClientSession struct {
	ID           string
	Mode         string
	ClientConn   *websocket.Conn
	CreatedAt    time.Time
	LastActivity time.Time

	// OnInit is called once the client's init message was accepted.
	OnInit func(mode string)
	// OnPayload receives a structured payload the model produced.
	OnPayload func(mode, payload string)

	newBackend BackendFactory
	backend    Backend
	parser     *control.Parser
	keepAlive  time.Duration

	// Use channels for non-blocking writes
	writeChan chan *messages.Message

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession creates a session; the backend is opened on init.
func NewClientSession(id string, clientConn *websocket.Conn, factory BackendFactory, keepAlive time.Duration) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(maxMessageSize)

	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		newBackend:   factory,
		keepAlive:    keepAlive,
		writeChan:    make(chan *messages.Message, writeBufferSize),
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the bidirectional message handling
func (cs *ClientSession) Start() {
	go cs.writePump()
	go cs.handleClientMessages()
}

func (cs *ClientSession) short() string {
	if len(cs.ID) > 8 {
		return cs.ID[:8]
	}
	return cs.ID
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	var ping <-chan time.Time
	if cs.keepAlive > 0 {
		ticker := time.NewTicker(cs.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-cs.CloseChan:
			return
		case <-ping:
			if err := cs.ClientConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cs.Close()
				return
			}
		case msg := <-cs.writeChan:
			frame, err := messages.Encode(msg)
			if err != nil {
				logger.Errorf("❌ [%s] %v", cs.short(), err)
				continue
			}
			_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debugf("[%s] write failed: %v", cs.short(), err)
				cs.Close()
				return
			}
		}
	}
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(msg *messages.Message) {
	cs.mu.RLock()
	closed := cs.closed
	cs.mu.RUnlock()
	if closed {
		return
	}
	select {
	case cs.writeChan <- msg:
		cs.touch()
	case <-cs.CloseChan:
	default:
		logger.Errorf("⚠️ [%s] write queue full, dropping %s message", cs.short(), msg.Type)
	}
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.LastActivity = time.Now()
	cs.mu.Unlock()
}

// Idle returns how long the session has seen no traffic.
func (cs *ClientSession) Idle() time.Duration {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return time.Since(cs.LastActivity)
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	backend, parser := cs.backend, cs.parser
	cs.mu.Unlock()

	cs.cancel()
	close(cs.CloseChan)

	if parser != nil {
		parser.Reset()
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			logger.Debugf("[%s] backend close: %v", cs.short(), err)
		}
	}

	_ = cs.ClientConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return cs.ClientConn.Close()
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		_, frame, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("[%s] read error: %v", cs.short(), err)
			}
			return
		}
		cs.touch()

		msg, err := messages.Decode(frame)
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage("Invalid message format"))
			continue
		}
		if err := cs.processClientMessage(msg); err != nil {
			logger.Errorf("❌ [%s] %v", cs.short(), err)
			cs.queueMessage(messages.NewErrorMessage(err.Error()))
		}
	}
}

func (cs *ClientSession) processClientMessage(msg *messages.Message) error {
	if msg.Type == messages.TypeInit {
		return cs.handleInit(msg)
	}

	cs.mu.RLock()
	backend := cs.backend
	cs.mu.RUnlock()
	if backend == nil {
		return fmt.Errorf("%s before init: %w", msg.Type, ErrNotInitialised)
	}

	switch msg.Type {
	case messages.TypeText:
		if cs.parser != nil {
			cs.parser.Reset()
		}
		return backend.SendText(msg.Data)

	case messages.TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return fmt.Errorf("invalid base64 audio: %w", err)
		}
		return backend.SendAudio(pcm)

	case messages.TypeVideo:
		jpeg, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return fmt.Errorf("invalid base64 frame: %w", err)
		}
		return backend.SendImage(jpeg)
	}
	return fmt.Errorf("unexpected %s message from client", msg.Type)
}

func (cs *ClientSession) handleInit(msg *messages.Message) error {
	cs.mu.RLock()
	initialised := cs.backend != nil
	cs.mu.RUnlock()
	if initialised {
		return errors.New("session already initialised")
	}

	prompt, err := PromptFor(msg.Mode, msg.InitPayload())
	if err != nil {
		cs.queueMessage(messages.NewConnectionMessage(false, err.Error()))
		return nil
	}
	mode := msg.Mode
	if mode == "" {
		mode = messages.ModeTeacher
	}

	backend, err := cs.newBackend(cs.ctx)
	if err != nil {
		cs.queueMessage(messages.NewConnectionMessage(false, "AI service unavailable"))
		return fmt.Errorf("open backend: %w", err)
	}

	// Creator modes end in a payload; the relay extracts it as well so it
	// can be handed to a later teaching session.
	var parser *control.Parser
	if !SpokenMode(mode) {
		parser = control.NewParser(control.DefaultOptions())
		parser.OnPayload = func(payload string) {
			logger.Infof("📦 [%s] %s payload ready (%d chars)", cs.short(), mode, len(payload))
			if cs.OnPayload != nil {
				cs.OnPayload(mode, payload)
			}
		}
	}

	events := Events{
		OnText: func(text string) {
			if parser != nil {
				parser.Feed(text)
			}
			cs.queueMessage(messages.NewContentMessage(text))
		},
		OnAudio: func(pcm []byte) {
			cs.queueMessage(messages.NewAudioDataMessage(base64.StdEncoding.EncodeToString(pcm)))
		},
		OnTurnComplete: func() {
			logger.Tracef("[%s] turn complete", cs.short())
		},
		OnError: func(err error) {
			if cs.IsClosed() {
				return
			}
			logger.Errorf("❌ [%s] backend error: %v", cs.short(), err)
			cs.queueMessage(messages.NewErrorMessage(err.Error()))
			if errors.Is(err, ErrBackendClosed) {
				logger.Infof("🔌 [%s] closing session, backend gone", cs.short())
				cs.Close()
			}
		},
	}

	setup := Setup{Mode: mode, SystemPrompt: prompt, Audio: SpokenMode(mode)}
	if err := backend.Start(cs.ctx, setup, events); err != nil {
		backend.Close()
		cs.queueMessage(messages.NewConnectionMessage(false, "AI service unavailable"))
		return fmt.Errorf("start backend: %w", err)
	}

	cs.mu.Lock()
	cs.Mode = mode
	cs.backend = backend
	cs.parser = parser
	closed := cs.closed
	cs.mu.Unlock()
	if closed {
		return backend.Close()
	}

	logger.Infof("✅ [%s] session initialised in %s mode", cs.short(), mode)
	cs.queueMessage(messages.NewConnectionMessage(true, fmt.Sprintf("Connected to Sahayak (%s)", mode)))
	if cs.OnInit != nil {
		cs.OnInit(mode)
	}
	return nil
}
