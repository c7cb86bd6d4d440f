package session

import (
	"fmt"

	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/audio"
	"github.com/room4-2/sahayak/messages"
	"github.com/room4-2/sahayak/video"
)

// StartRecording streams the source to the service. It is a no-op while a
// recording is already running. Chunks produced while disconnected are
// dropped.
func (s *Session) StartRecording(source audio.Source) error {
	s.mu.Lock()
	if s.recorder != nil {
		s.mu.Unlock()
		return nil
	}
	rec := audio.NewRecorder(source, s.opts.ChunkSamples, s.sendChunk)
	rec.Encoder().OnLevel = func(level float64) {
		if s.OnLevel != nil {
			s.OnLevel(level)
		}
	}
	s.recorder = rec
	s.mu.Unlock()

	if err := rec.Start(); err != nil {
		s.mu.Lock()
		if s.recorder == rec {
			s.recorder = nil
		}
		s.mu.Unlock()
		rec.Stop()
		s.notify(NoticeError, fmt.Sprintf("Microphone unavailable: %v", err))
		return err
	}
	logger.Infof("🎤 [%s] recording at %d Hz", s.short(), source.SampleRate())
	s.notify(NoticeInfo, "Recording started")
	return nil
}

// StopRecording flushes the last partial chunk and releases the device.
func (s *Session) StopRecording() {
	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	rec.Stop()
	s.notify(NoticeInfo, "Recording stopped")
}

// Recording reports whether a recorder is running.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder != nil
}

func (s *Session) sendChunk(chunk []int16) {
	if err := s.Send(messages.NewAudioMessage(chunk)); err != nil {
		logger.Debugf("[%s] audio chunk of %d samples dropped: %v", s.short(), len(chunk), err)
	}
}

// StartScreenShare sends frames from the source at the configured cadence.
// With RecordWithScreen set it also starts the microphone.
func (s *Session) StartScreenShare(source video.Source) error {
	s.mu.Lock()
	if s.throttler != nil {
		s.mu.Unlock()
		return nil
	}
	th := video.NewThrottler(source, s.sendFrame, s.opts.Video)
	th.OnEnded = func() {
		s.mu.Lock()
		current := s.throttler == th
		if current {
			s.throttler = nil
		}
		s.mu.Unlock()
		if current {
			s.notify(NoticeInfo, "Screen sharing ended")
		}
	}
	s.throttler = th
	recording := s.recorder != nil
	s.mu.Unlock()

	th.Start()
	logger.Infof("🖥️ [%s] screen sharing started", s.short())
	s.notify(NoticeInfo, "Screen sharing started")

	if s.opts.RecordWithScreen && !recording && s.opts.Microphone != nil {
		if err := s.StartRecording(s.opts.Microphone()); err != nil {
			logger.Debugf("[%s] screen share continues without voice: %v", s.short(), err)
		}
	}
	return nil
}

// StopScreenShare cancels the capture loop and releases the source.
func (s *Session) StopScreenShare() {
	s.mu.Lock()
	th := s.throttler
	s.throttler = nil
	s.mu.Unlock()
	if th == nil {
		return
	}
	th.Stop()
	s.notify(NoticeInfo, "Screen sharing stopped")
}

// Sharing reports whether a screen share is running.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttler != nil
}

func (s *Session) sendFrame(data string) error {
	return s.Send(messages.NewVideoMessage(data))
}
