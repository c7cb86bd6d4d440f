// Package gemini opens Gemini Live sessions on behalf of relay clients.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/schollz/logger"
	"google.golang.org/genai"

	"github.com/room4-2/sahayak/relay"
)

const (
	audioModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	textModel  = "models/gemini-2.0-flash-live-001"
	voiceName  = "Zephyr"

	audioMIME = "audio/pcm;rate=16000"
	imageMIME = "image/jpeg"
)

var errNotConnected = errors.New("gemini session not connected")

// Proxy manages the connection to Gemini Live API using the official SDK
type Proxy struct {
	client  *genai.Client
	session *genai.Session
	events  relay.Events

	mu     sync.RWMutex
	closed bool
}

var _ relay.Backend = (*Proxy)(nil)

// NewProxy creates a Gemini client. The Live session opens on Start.
func NewProxy(ctx context.Context, apiKey string) (*Proxy, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Proxy{client: client}, nil
}

// Factory returns a relay.BackendFactory that opens one Proxy per session.
func Factory(apiKey string) relay.BackendFactory {
	return func(ctx context.Context) (relay.Backend, error) {
		return NewProxy(ctx, apiKey)
	}
}

// Start connects the Live session and begins delivering events.
func (gp *Proxy) Start(ctx context.Context, setup relay.Setup, events relay.Events) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return relay.ErrBackendClosed
	}

	model := textModel
	config := &genai.LiveConnectConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: setup.SystemPrompt}},
		},
		ResponseModalities: []genai.Modality{genai.ModalityText},
	}
	if setup.Audio {
		model = audioModel
		config.ResponseModalities = []genai.Modality{genai.ModalityAudio}
		config.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceName},
			},
		}
	}

	session, err := gp.client.Live.Connect(ctx, model, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}
	gp.session = session
	gp.events = events
	logger.Infof("✅ connected to Gemini Live (%s, %s mode)", model, setup.Mode)

	go gp.receive(session)
	return nil
}

func (gp *Proxy) receive(session *genai.Session) {
	for {
		resp, err := session.Receive()
		if err != nil {
			gp.mu.RLock()
			closed := gp.closed
			gp.mu.RUnlock()
			if closed {
				return
			}
			logger.Errorf("❌ Gemini receive error: %v", err)
			if gp.events.OnError != nil {
				gp.events.OnError(fmt.Errorf("gemini receiver closed: %v: %w", err, relay.ErrBackendClosed))
			}
			return
		}
		gp.handleResponse(resp)
	}
}

func (gp *Proxy) handleResponse(resp *genai.LiveServerMessage) {
	content := resp.ServerContent
	if content == nil {
		return
	}
	ev := gp.events

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.Text != "" && ev.OnText != nil {
				logger.Tracef("📥 text %q", part.Text)
				ev.OnText(part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && ev.OnAudio != nil {
				logger.Tracef("📥 %d bytes audio", len(part.InlineData.Data))
				ev.OnAudio(part.InlineData.Data)
			}
		}
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" && ev.OnText != nil {
		ev.OnText(t.Text)
	}
	if content.TurnComplete {
		logger.Tracef("📥 turn complete")
		if ev.OnTurnComplete != nil {
			ev.OnTurnComplete()
		}
	}
}

func (gp *Proxy) live() (*genai.Session, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if gp.closed {
		return nil, relay.ErrBackendClosed
	}
	if gp.session == nil {
		return nil, errNotConnected
	}
	return gp.session, nil
}

// SendText sends one complete user turn.
func (gp *Proxy) SendText(text string) error {
	session, err := gp.live()
	if err != nil {
		return err
	}
	turnComplete := true
	err = session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{Role: "user", Parts: []*genai.Part{{Text: text}}},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	logger.Debugf("📤 sent text to Gemini (%d chars)", len(text))
	return nil
}

// SendAudio forwards 16 kHz little-endian PCM.
func (gp *Proxy) SendAudio(pcm []byte) error {
	return gp.sendRealtime(audioMIME, pcm)
}

// SendImage forwards one JPEG frame.
func (gp *Proxy) SendImage(jpeg []byte) error {
	return gp.sendRealtime(imageMIME, jpeg)
}

func (gp *Proxy) sendRealtime(mime string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	session, err := gp.live()
	if err != nil {
		return err
	}
	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: mime, Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", mime, err)
	}
	logger.Tracef("📤 sent %d bytes %s", len(data), mime)
	return nil
}

// Close terminates the Gemini connection
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
