// Package session is the client side of a live teaching session: one
// WebSocket connection, the media pipelines feeding it, and the transcript
// built from what comes back.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/audio"
	"github.com/room4-2/sahayak/control"
	"github.com/room4-2/sahayak/messages"
	"github.com/room4-2/sahayak/video"
)

var (
	// ErrNotConnected is returned by Send when the session has no open connection.
	ErrNotConnected = errors.New("session not connected")
	// ErrSendQueueFull is returned when the outbound queue cannot take another frame.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("empty text")
)

const (
	defaultQueueSize         = 256
	defaultWriteTimeout      = 10 * time.Second
	defaultPingPeriod        = 30 * time.Second
	defaultIntroductionDelay = 2 * time.Second
	maxMessageSize           = 4 * 1024 * 1024

	introductionNote = "Asked the teacher to introduce themselves"
)

// State of the connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// NoticeLevel distinguishes status notices from failures
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a user-visible status or failure message.
type Notice struct {
	Level NoticeLevel
	Text  string
}

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header

	Parser control.Options
	Video  video.Options
	// Output plays inbound audio. Without one, audio is scheduled against
	// the wall clock and discarded.
	Output audio.Output
	// Microphone is used when screen sharing starts voice as well.
	Microphone func() audio.Source

	ChunkSamples int
	QueueSize    int
	WriteTimeout time.Duration
	PingPeriod   time.Duration

	// Introduction is sent as the first user turn when the session was
	// started with an init payload.
	Introduction      string
	IntroductionDelay time.Duration
	RecordWithScreen  bool
}

// Session owns one connection to the teaching service.
type Session struct {
	ID   string
	opts Options

	OnStateChange func(State)
	OnNotice      func(Notice)
	OnTranscript  func(Entry)
	OnPayload     func(payload string)
	OnLevel       func(level float64)

	parser     *control.Parser
	transcript *Transcript

	state     State
	link      *link
	recorder  *audio.Recorder
	throttler *video.Throttler
	mu        sync.Mutex
}

// link is the state of one open connection.
type link struct {
	conn      *websocket.Conn
	send      chan []byte
	closing   chan struct{}
	done      chan struct{}
	ended     chan struct{}
	scheduler *audio.Scheduler
	intro     *time.Timer

	closeOnce    sync.Once
	teardownOnce sync.Once
}

// New creates a disconnected session.
func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.IntroductionDelay <= 0 {
		opts.IntroductionDelay = defaultIntroductionDelay
	}
	if opts.ChunkSamples <= 0 {
		opts.ChunkSamples = audio.ChunkSamples
	}
	if opts.Output == nil {
		opts.Output = newClockOutput()
	}

	s := &Session{
		ID:         uuid.New().String(),
		opts:       opts,
		transcript: NewTranscript(),
	}
	s.parser = control.NewParser(opts.Parser)
	s.parser.OnDisplay = func(text string) {
		s.emitEntry(s.transcript.UpdateStreaming(text))
	}
	s.parser.OnCommit = func(text string) {
		if e, ok := s.transcript.Commit(text); ok {
			s.emitEntry(e)
		}
	}
	s.parser.OnPayload = func(payload string) {
		logger.Infof("📦 [%s] payload received (%d chars)", s.short(), len(payload))
		if s.OnPayload != nil {
			s.OnPayload(payload)
		}
	}
	return s
}

func (s *Session) short() string {
	return s.ID[:8]
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the session transcript.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Connect dials the service and sends the init message. It is a no-op
// while connecting or connected.
func (s *Session) Connect(ctx context.Context, mode, initPayload string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		logger.Debugf("[%s] connect ignored, already %s", s.short(), s.State())
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()
	s.emitState(Connecting)

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		s.abortConnect()
		s.notify(NoticeError, fmt.Sprintf("Could not connect: %v", err))
		return fmt.Errorf("connect %s: %w", s.opts.URL, err)
	}

	// init goes out before the write pump exists, so it is always first
	frame, err := messages.Encode(messages.NewInitMessage(mode, initPayload))
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, frame)
	}
	if err != nil {
		conn.Close()
		s.abortConnect()
		s.notify(NoticeError, fmt.Sprintf("Could not start session: %v", err))
		return fmt.Errorf("send init: %w", err)
	}

	l := &link{
		conn:      conn,
		send:      make(chan []byte, s.opts.QueueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
		scheduler: audio.NewScheduler(s.opts.Output, audio.InboundRate),
	}

	s.mu.Lock()
	if s.state != Connecting {
		// Disconnect was called while dialing.
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect aborted: %w", ErrNotConnected)
	}
	if s.opts.Introduction != "" && initPayload != "" {
		l.intro = time.AfterFunc(s.opts.IntroductionDelay, func() { s.introduce(l) })
	}
	s.link = l
	s.state = Connected
	s.mu.Unlock()

	s.parser.Reset()
	logger.Infof("✅ [%s] connected to %s (mode %s)", s.short(), s.opts.URL, mode)
	s.emitState(Connected)

	go s.writePump(l)
	go s.readPump(l)
	return nil
}

func (s *Session) abortConnect() {
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
	s.emitState(Disconnected)
}

func (s *Session) introduce(l *link) {
	s.mu.Lock()
	current := s.link == l && s.state == Connected
	s.mu.Unlock()
	if !current {
		return
	}
	s.parser.Reset()
	if e, ok := s.transcript.FinishStreaming(); ok {
		s.emitEntry(e)
	}
	// Sent as a user turn but kept out of the chat history.
	if err := s.Send(messages.NewTextMessage(s.opts.Introduction)); err != nil {
		logger.Debugf("[%s] introduction not sent: %v", s.short(), err)
		return
	}
	s.emitEntry(s.transcript.Add(RoleSystem, introductionNote))
}

// Send queues a message without blocking.
func (s *Session) Send(msg *messages.Message) error {
	s.mu.Lock()
	l, state := s.link, s.state
	s.mu.Unlock()
	if state != Connected || l == nil {
		logger.Debugf("[%s] not connected, dropping %s message", s.short(), msg.Type)
		return ErrNotConnected
	}

	frame, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrNotConnected
	case l.send <- frame:
		return nil
	default:
		logger.Errorf("[%s] send queue full, dropping %s message", s.short(), msg.Type)
		return ErrSendQueueFull
	}
}

// SendText starts a new user turn with the given text.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	if s.State() != Connected {
		return ErrNotConnected
	}

	s.parser.Reset()
	if e, ok := s.transcript.FinishStreaming(); ok {
		s.emitEntry(e)
	}
	if err := s.Send(messages.NewTextMessage(text)); err != nil {
		return err
	}
	s.emitEntry(s.transcript.Add(RoleStudent, text))
	return nil
}

// Disconnect stops all capture and closes the connection. Queued frames,
// including the final audio flush, are written before the close frame.
func (s *Session) Disconnect() {
	s.mu.Lock()
	l := s.link
	aborted := l == nil && s.state == Connecting
	if aborted {
		s.state = Disconnected
	}
	rec, thr := s.takeMediaLocked()
	s.mu.Unlock()

	stopMedia(rec, thr)
	if aborted {
		s.emitState(Disconnected)
	}
	if l == nil {
		return
	}

	l.closeOnce.Do(func() { close(l.closing) })
	select {
	case <-l.ended:
	case <-time.After(s.opts.WriteTimeout):
		s.teardown(l, nil)
	}
}

func (s *Session) takeMediaLocked() (*audio.Recorder, *video.Throttler) {
	rec, thr := s.recorder, s.throttler
	s.recorder, s.throttler = nil, nil
	return rec, thr
}

func stopMedia(rec *audio.Recorder, thr *video.Throttler) {
	if rec != nil {
		rec.Stop()
	}
	if thr != nil {
		thr.Stop()
	}
}

// teardown runs once per connection, for whichever side ends it first.
func (s *Session) teardown(l *link, cause error) {
	l.teardownOnce.Do(func() {
		defer close(l.ended)

		s.mu.Lock()
		current := s.link == l
		var rec *audio.Recorder
		var thr *video.Throttler
		if current {
			s.link = nil
			s.state = Disconnected
			rec, thr = s.takeMediaLocked()
		}
		s.mu.Unlock()

		if l.intro != nil {
			l.intro.Stop()
		}
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.conn.Close()
		stopMedia(rec, thr)

		s.parser.Reset()
		if e, ok := s.transcript.FinishStreaming(); ok {
			s.emitEntry(e)
		}
		if !current {
			return
		}

		s.emitState(Disconnected)
		switch {
		case cause == nil:
			logger.Infof("🔌 [%s] disconnected", s.short())
			s.notify(NoticeInfo, "Disconnected")
		case websocket.IsCloseError(errors.Unwrap(cause), websocket.CloseNormalClosure, websocket.CloseGoingAway):
			logger.Infof("🔌 [%s] closed by server", s.short())
			s.notify(NoticeInfo, "Session ended by server")
		default:
			logger.Errorf("❌ [%s] connection lost: %v", s.short(), cause)
			s.notify(NoticeError, fmt.Sprintf("Connection lost: %v", cause))
		}
	})
}

// writePump handles all outgoing frames in a single goroutine
func (s *Session) writePump(l *link) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return

		case frame := <-l.send:
			if err := s.write(l, frame); err != nil {
				s.teardown(l, fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown(l, fmt.Errorf("ping: %w", err))
				return
			}

		case <-l.closing:
			// Flush what is already queued, then close.
		drain:
			for {
				select {
				case frame := <-l.send:
					if err := s.write(l, frame); err != nil {
						s.teardown(l, fmt.Errorf("write: %w", err))
						return
					}
				default:
					break drain
				}
			}
			s.teardown(l, nil)
			return
		}
	}
}

func (s *Session) write(l *link, frame []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

// readPump dispatches inbound messages in arrival order
func (s *Session) readPump(l *link) {
	pongWait := s.opts.PingPeriod * 10 / 9
	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				// closed locally
			default:
				s.teardown(l, fmt.Errorf("read: %w", err))
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := messages.Decode(data)
		if err != nil {
			logger.Debugf("[%s] ignoring frame: %v", s.short(), err)
			continue
		}
		s.dispatch(l, msg)
	}
}

func (s *Session) dispatch(l *link, msg *messages.Message) {
	switch msg.Type {
	case messages.TypeConnection:
		if msg.SubType == messages.SubTypeError {
			s.fail(msg.Data, "Connection error")
			return
		}
		text := msg.Data
		if text == "" {
			text = "Connected"
		}
		s.emitEntry(s.transcript.Add(RoleSystem, text))
		s.notify(NoticeInfo, text)

	case messages.TypeAudio:
		if msg.SubType != "" && msg.SubType != messages.SubTypeData {
			logger.Debugf("[%s] ignoring audio subtype %q", s.short(), msg.SubType)
			return
		}
		slot, err := l.scheduler.Enqueue(msg.Data)
		if err != nil {
			logger.Debugf("[%s] dropping audio chunk: %v", s.short(), err)
			return
		}
		logger.Tracef("[%s] audio scheduled %s..%s", s.short(), slot.Start, slot.End)

	case messages.TypeContent:
		if msg.SubType != messages.SubTypeText {
			logger.Debugf("[%s] ignoring content subtype %q", s.short(), msg.SubType)
			return
		}
		s.parser.Feed(msg.Data)

	case messages.TypeError:
		s.fail(msg.Data, "Server error")

	default:
		logger.Debugf("[%s] ignoring %s message", s.short(), msg.Type)
	}
}

func (s *Session) fail(text, fallback string) {
	if text == "" {
		text = fallback
	}
	s.emitEntry(s.transcript.Add(RoleError, text))
	s.notify(NoticeError, text)
}

func (s *Session) emitState(state State) {
	if s.OnStateChange != nil {
		s.OnStateChange(state)
	}
}

func (s *Session) emitEntry(e Entry) {
	if s.OnTranscript != nil {
		s.OnTranscript(e)
	}
}

func (s *Session) notify(level NoticeLevel, text string) {
	if level == NoticeError {
		logger.Errorf("[%s] %s", s.short(), text)
	} else {
		logger.Debugf("[%s] %s", s.short(), text)
	}
	if s.OnNotice != nil {
		s.OnNotice(Notice{Level: level, Text: text})
	}
}

// clockOutput discards audio while keeping a monotonic clock.
type clockOutput struct {
	start time.Time
}

func newClockOutput() *clockOutput {
	return &clockOutput{start: time.Now()}
}

func (c *clockOutput) Now() time.Duration {
	return time.Since(c.start)
}

func (c *clockOutput) Play(time.Duration, []float32) error {
	return nil
}
