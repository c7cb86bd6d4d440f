package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/sahayak/config"
	"github.com/room4-2/sahayak/messages"
)

type fakeBackend struct {
	mu       sync.Mutex
	setup    Setup
	events   Events
	texts    []string
	audio    [][]byte
	images   [][]byte
	closed   bool
	startErr error
	onClose  func()
}

func (f *fakeBackend) Start(_ context.Context, setup Setup, events Events) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setup, f.events = setup, events
	return nil
}

func (f *fakeBackend) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeBackend) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeBackend) SendImage(jpeg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, jpeg)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	hook := f.onClose
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeBackend) ev() Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

type harness struct {
	manager  *Manager
	backends chan *fakeBackend
	url      string
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	h := &harness{backends: make(chan *fakeBackend, 8), redis: mr}
	factory := func(context.Context) (Backend, error) {
		b := &fakeBackend{}
		h.backends <- b
		return b, nil
	}
	cfg := &config.Config{MaxSessions: maxSessions, SessionTimeout: time.Minute}
	h.manager = NewManagerWithClient(cfg, factory, redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs, err := h.manager.CreateSession(r.Context(), conn)
		if err != nil {
			frame, _ := messages.Encode(messages.NewConnectionMessage(false, err.Error()))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
			conn.Close()
			return
		}
		cs.Start()
		<-cs.CloseChan
		_ = h.manager.RemoveSession(context.Background(), cs.ID)
	}))
	t.Cleanup(func() {
		h.manager.Shutdown()
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) backend(t *testing.T) *fakeBackend {
	t.Helper()
	select {
	case b := <-h.backends:
		return b
	case <-time.After(time.Second):
		t.Fatal("backend not opened")
		return nil
	}
}

func send(t *testing.T, c *websocket.Conn, msg *messages.Message) {
	t.Helper()
	b, err := messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func recv(t *testing.T, c *websocket.Conn) *messages.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	msg, err := messages.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestInitOpensBackendWithModePrompt(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)

	send(t, c, messages.NewInitMessage(messages.ModeTeacher, "Teach fractions with pizza"))
	ack := recv(t, c)
	assert.Equal(t, messages.TypeConnection, ack.Type)
	assert.Equal(t, messages.SubTypeSuccess, ack.SubType)

	b := h.backend(t)
	b.mu.Lock()
	assert.True(t, b.setup.Audio)
	assert.Contains(t, b.setup.SystemPrompt, "Teach fractions with pizza")
	b.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.redis.HGet("session:"+h.onlySessionID(t), "mode") == messages.ModeTeacher
	}, time.Second, 10*time.Millisecond)
}

func (h *harness) onlySessionID(t *testing.T) string {
	h.manager.mu.RLock()
	defer h.manager.mu.RUnlock()
	for id := range h.manager.sessions {
		return id
	}
	return ""
}

func TestLegacyCustomPromptField(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, &messages.Message{Type: messages.TypeInit, Mode: messages.ModeTeacher, CustomPrompt: "Speak Hindi"})
	recv(t, c)

	b := h.backend(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Contains(t, b.setup.SystemPrompt, "Speak Hindi")
}

func TestMediaBeforeInitIsRejected(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)

	send(t, c, messages.NewTextMessage("hello"))
	msg := recv(t, c)
	assert.Equal(t, messages.TypeError, msg.Type)
	assert.Contains(t, msg.Data, ErrNotInitialised.Error())

	// The session is still usable.
	send(t, c, messages.NewInitMessage(messages.ModePromptCreator, ""))
	assert.Equal(t, messages.SubTypeSuccess, recv(t, c).SubType)
}

func TestUnknownModeIsRefused(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage("astrologer", ""))
	msg := recv(t, c)
	assert.Equal(t, messages.TypeConnection, msg.Type)
	assert.Equal(t, messages.SubTypeError, msg.SubType)
}

func TestClientMessagesAreForwarded(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	recv(t, c)
	b := h.backend(t)

	send(t, c, messages.NewTextMessage("what is a fraction?"))
	send(t, c, messages.NewAudioMessage([]int16{1, -1}))
	send(t, c, messages.NewVideoMessage("/9j/AA=="))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.texts) == 1 && len(b.audio) == 1 && len(b.images) == 1
	}, time.Second, 10*time.Millisecond)
	b.mu.Lock()
	assert.Equal(t, []byte{1, 0, 0xff, 0xff}, b.audio[0])
	b.mu.Unlock()
}

func TestBackendOutputReachesClient(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	recv(t, c)
	b := h.backend(t)

	b.ev().OnText("Hello")
	b.ev().OnAudio([]byte{0, 1, 2, 3})

	text := recv(t, c)
	assert.Equal(t, messages.TypeContent, text.Type)
	assert.Equal(t, messages.SubTypeText, text.SubType)
	assert.Equal(t, "Hello", text.Data)

	audio := recv(t, c)
	assert.Equal(t, messages.TypeAudio, audio.Type)
	assert.Equal(t, messages.SubTypeData, audio.SubType)
	assert.Equal(t, "AAECAw==", audio.Data)
}

func TestCreatorPayloadIsStored(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModePromptCreator, ""))
	recv(t, c)
	b := h.backend(t)

	b.mu.Lock()
	assert.False(t, b.setup.Audio)
	b.mu.Unlock()

	for _, f := range []string{"All set. FINAL_", "PROMPT: Teach grade 5 science", "\n"} {
		b.ev().OnText(f)
	}

	store := h.manager.Handoff()
	require.NotNil(t, store)
	require.Eventually(t, func() bool {
		rec, err := store.Latest(context.Background())
		return err == nil && rec.Payload == "Teach grade 5 science"
	}, time.Second, 10*time.Millisecond)

	rec, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, messages.ModePromptCreator, rec.Mode)
}

func TestMaxSessions(t *testing.T) {
	h := newHarness(t, 1)
	h.dial(t)
	require.Eventually(t, func() bool { return h.manager.GetActiveSessionCount() == 1 }, time.Second, 10*time.Millisecond)

	c := h.dial(t)
	msg := recv(t, c)
	assert.Equal(t, messages.SubTypeError, msg.SubType)
	assert.Equal(t, ErrMaxSessions.Error(), msg.Data)
}

func TestBackendClosedEndsSession(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	recv(t, c)
	b := h.backend(t)

	b.ev().OnError(errors.Join(errors.New("gemini receiver closed"), ErrBackendClosed))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.closed
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.manager.GetActiveSessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClientDisconnectClosesBackend(t *testing.T) {
	h := newHarness(t, 10)
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	recv(t, c)
	b := h.backend(t)

	c.Close()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.closed
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.manager.GetActiveSessionCount() == 0 }, time.Second, 10*time.Millisecond)
	members, err := h.redis.Members(activeSessionsKey)
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestStartFailureReportsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	factory := func(context.Context) (Backend, error) {
		return &fakeBackend{startErr: errors.New("quota")}, nil
	}
	m := NewManagerWithClient(&config.Config{MaxSessions: 1, SessionTimeout: time.Minute}, factory,
		redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer m.Shutdown()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs, err := m.CreateSession(r.Context(), conn)
		require.NoError(t, err)
		cs.Start()
		<-cs.CloseChan
	}))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	msg := recv(t, c)
	assert.Equal(t, messages.TypeConnection, msg.Type)
	assert.Equal(t, messages.SubTypeError, msg.SubType)
}

func TestPromptFor(t *testing.T) {
	p, err := PromptFor(messages.ModePromptCreator, "ignored")
	require.NoError(t, err)
	assert.Contains(t, p, "FINAL_PROMPT:")

	p, err = PromptFor(messages.ModeUdaanPromptCreator, "")
	require.NoError(t, err)
	assert.Contains(t, p, "FINAL_PROMPT:")

	p, err = PromptFor(messages.ModeTeacher, "  ")
	require.NoError(t, err)
	assert.NotContains(t, p, "Instructions from the teacher")

	_, err = PromptFor("nope", "")
	assert.ErrorIs(t, err, ErrUnknownMode)

	assert.True(t, SpokenMode(messages.ModeTeacher))
	assert.False(t, SpokenMode(messages.ModePromptCreator))
}

func TestCleanupClosesIdleSessions(t *testing.T) {
	h := newHarness(t, 10)
	h.manager.config.SessionTimeout = 50 * time.Millisecond
	c := h.dial(t)
	send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
	recv(t, c)
	b := h.backend(t)
	id := h.onlySessionID(t)
	require.True(t, h.redis.Exists("session:"+id))

	time.Sleep(100 * time.Millisecond)
	h.manager.CleanupInactiveSessions(context.Background())

	assert.Equal(t, 0, h.manager.GetActiveSessionCount())
	assert.False(t, h.redis.Exists("session:"+id))
	b.mu.Lock()
	assert.True(t, b.closed)
	b.mu.Unlock()
}

func TestSessionsCloseOutsideManagerLock(t *testing.T) {
	for name, remove := range map[string]func(h *harness, id string){
		"remove": func(h *harness, id string) {
			require.NoError(t, h.manager.RemoveSession(context.Background(), id))
		},
		"cleanup": func(h *harness, _ string) {
			h.manager.config.SessionTimeout = 0
			h.manager.CleanupInactiveSessions(context.Background())
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 10)
			c := h.dial(t)
			send(t, c, messages.NewInitMessage(messages.ModeTeacher, ""))
			recv(t, c)
			b := h.backend(t)
			id := h.onlySessionID(t)

			counts := make(chan int, 1)
			b.mu.Lock()
			b.onClose = func() {
				got := make(chan int, 1)
				go func() { got <- h.manager.GetActiveSessionCount() }()
				select {
				case n := <-got:
					counts <- n
				case <-time.After(time.Second):
					counts <- -1
				}
			}
			b.mu.Unlock()

			remove(h, id)
			select {
			case n := <-counts:
				assert.Equal(t, 0, n, "manager locked while closing")
			case <-time.After(2 * time.Second):
				t.Fatal("backend not closed")
			}
		})
	}
}
