// Package video captures a display at a fixed cadence and turns frames into
// base64 JPEG payloads for the session.
package video

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/schollz/logger"
)

// ErrEmptyFrame is returned for frames with a zero dimension.
var ErrEmptyFrame = errors.New("frame has no pixels")

const (
	DefaultInterval   = 2 * time.Second
	DefaultScale      = 0.25
	DefaultQuality    = 100
	DefaultMinPayload = 1000
)

// Source is a live video or display source.
type Source interface {
	// Active reports whether the source can still produce frames.
	Active() bool
	Capture() (image.Image, error)
	Close() error
}

// FrameSink receives one base64 JPEG frame. It returns an error when the
// frame was not sent.
type FrameSink func(data string) error

type Options struct {
	Interval time.Duration
	// Scale is the downsample factor applied to both dimensions.
	Scale   float64
	Quality int
	// MinPayload is the base64 length a frame must exceed to be sent.
	MinPayload int
}

func DefaultOptions() Options {
	return Options{
		Interval:   DefaultInterval,
		Scale:      DefaultScale,
		Quality:    DefaultQuality,
		MinPayload: DefaultMinPayload,
	}
}

// Throttler sends frames from a Source at a fixed wall-clock cadence,
// independent of the source's own frame rate.
type Throttler struct {
	opts   Options
	source Source
	sink   FrameSink

	// OnEnded fires once when the loop stops because the source went inactive.
	OnEnded func()

	stop      chan struct{}
	done      chan struct{}
	started   bool
	stopOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
}

func NewThrottler(source Source, sink FrameSink, opts Options) *Throttler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Scale <= 0 || opts.Scale > 1 {
		opts.Scale = def.Scale
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.MinPayload <= 0 {
		opts.MinPayload = def.MinPayload
	}
	return &Throttler{
		opts:   opts,
		source: source,
		sink:   sink,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the capture loop. The first frame is taken immediately.
func (t *Throttler) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.run()
}

// Stop cancels the loop and releases the source before returning. It is safe
// to call more than once and from OnEnded.
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		<-t.done
	}
	t.closeSource()
}

// Done is closed when the loop has exited.
func (t *Throttler) Done() <-chan struct{} {
	return t.done
}

func (t *Throttler) closeSource() {
	t.closeOnce.Do(func() {
		if err := t.source.Close(); err != nil {
			logger.Debugf("close video source: %v", err)
		}
	})
}

func (t *Throttler) run() {
	ended := false
	defer func() {
		close(t.done)
		if ended {
			t.closeSource()
			if t.OnEnded != nil {
				t.OnEnded()
			}
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		if !t.source.Active() {
			logger.Debugf("video source inactive, ending capture loop")
			ended = true
			return
		}
		t.tick()
		timer.Reset(t.opts.Interval)
	}
}

func (t *Throttler) tick() {
	img, err := t.source.Capture()
	if err != nil {
		logger.Debugf("capture frame: %v", err)
		return
	}
	data, err := EncodeFrame(img, t.opts.Scale, t.opts.Quality)
	if errors.Is(err, ErrEmptyFrame) {
		logger.Tracef("source not ready, skipping frame")
		return
	}
	if err != nil {
		logger.Errorf("encode frame: %v", err)
		return
	}
	if len(data) <= t.opts.MinPayload {
		logger.Tracef("frame too small (%d bytes), skipping", len(data))
		return
	}
	if err := t.sink(data); err != nil {
		logger.Debugf("frame not sent: %v", err)
	}
}

// EncodeFrame downsamples img by scale and returns it as base64 JPEG.
func EncodeFrame(img image.Image, scale float64, quality int) (string, error) {
	if img == nil {
		return "", ErrEmptyFrame
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", ErrEmptyFrame
	}
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))
	small := imaging.Resize(img, w, h, imaging.Linear)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, small, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("jpeg encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
