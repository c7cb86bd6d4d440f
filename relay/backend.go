package relay

import (
	"context"
	"errors"
)

// ErrBackendClosed is reported through Events.OnError when the backend
// connection ends. The relay session closes in response.
var ErrBackendClosed = errors.New("backend closed")

// Setup describes the model session a client asked for.
type Setup struct {
	Mode         string
	SystemPrompt string
	// Audio selects spoken replies. Text-only modes stream text.
	Audio bool
}

// Events are the callbacks a backend reports model output through.
type Events struct {
	OnText         func(text string)
	OnAudio        func(pcm []byte) // 24 kHz LE int16
	OnTurnComplete func()
	OnError        func(err error)
}

// Backend is the AI service a relay session forwards to.
type Backend interface {
	Start(ctx context.Context, setup Setup, events Events) error
	SendText(text string) error
	SendAudio(pcm []byte) error // 16 kHz LE int16
	SendImage(jpeg []byte) error
	Close() error
}

// BackendFactory opens a new backend for one client session.
type BackendFactory func(ctx context.Context) (Backend, error)
