package messages

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Message types
const (
	TypeInit       = "init"
	TypeText       = "text"
	TypeAudio      = "audio"
	TypeVideo      = "video"
	TypeConnection = "connection"
	TypeContent    = "content"
	TypeError      = "error"
)

// Sub types
const (
	SubTypeSuccess = "success"
	SubTypeError   = "error"
	SubTypeData    = "data"
	SubTypeText    = "text"
)

// Session modes understood by the relay
const (
	ModeTeacher            = "teacher"
	ModePromptCreator      = "prompt-creator"
	ModeUdaanPromptCreator = "udaan-prompt-creator"
)

// ErrUnknownType is returned by Decode for a message whose type is not part of the protocol.
var ErrUnknownType = errors.New("unknown message type")

// Message is the single wire unit exchanged in both directions.
type Message struct {
	Type    string `json:"type"`
	SubType string `json:"subType,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Data    string `json:"data,omitempty"`

	// CustomPrompt is the field older clients used for the init payload.
	CustomPrompt string `json:"customPrompt,omitempty"`
}

// InitPayload returns the configuration payload carried by an init message.
func (m *Message) InitPayload() string {
	if m.Data != "" {
		return m.Data
	}
	return m.CustomPrompt
}

// NewInitMessage creates the handshake message sent once per connection
func NewInitMessage(mode, payload string) *Message {
	return &Message{Type: TypeInit, Mode: mode, Data: payload}
}

// NewTextMessage creates a user utterance message
func NewTextMessage(text string) *Message {
	return &Message{Type: TypeText, Data: text}
}

// NewAudioMessage creates an outbound audio message from int16 samples
func NewAudioMessage(samples []int16) *Message {
	return &Message{Type: TypeAudio, Data: EncodePCM(samples)}
}

// NewAudioDataMessage creates an inbound audio message from already encoded PCM
func NewAudioDataMessage(data string) *Message {
	return &Message{Type: TypeAudio, SubType: SubTypeData, Data: data}
}

// NewVideoMessage creates a video frame message from a base64 still image
func NewVideoMessage(data string) *Message {
	return &Message{Type: TypeVideo, Data: data}
}

// NewConnectionMessage creates a connection status message
func NewConnectionMessage(ok bool, text string) *Message {
	sub := SubTypeSuccess
	if !ok {
		sub = SubTypeError
	}
	return &Message{Type: TypeConnection, SubType: sub, Data: text}
}

// NewContentMessage creates a streamed text fragment
func NewContentMessage(fragment string) *Message {
	return &Message{Type: TypeContent, SubType: SubTypeText, Data: fragment}
}

// NewErrorMessage creates an error message
func NewErrorMessage(text string) *Message {
	return &Message{Type: TypeError, Data: text}
}

// Encode serializes a message for the wire.
func Encode(m *Message) ([]byte, error) {
	b, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses a wire frame and rejects unknown types.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := sonic.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case TypeInit, TypeText, TypeAudio, TypeVideo, TypeConnection, TypeContent, TypeError:
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
}

// EncodePCM packs int16 samples little-endian and base64 encodes them.
func EncodePCM(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePCM reverses EncodePCM.
func DecodePCM(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("audio payload has odd length %d", len(raw))
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}
