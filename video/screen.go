package video

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"
)

// ErrNoDisplay is returned when the requested display does not exist.
var ErrNoDisplay = errors.New("no such display")

// ScreenSource captures one display.
type ScreenSource struct {
	display int
	closed  bool
	mu      sync.Mutex
}

func NewScreenSource(display int) (*ScreenSource, error) {
	n := screenshot.NumActiveDisplays()
	if display < 0 || display >= n {
		return nil, fmt.Errorf("display %d of %d: %w", display, n, ErrNoDisplay)
	}
	return &ScreenSource{display: display}, nil
}

// Active is false once closed or when the display is gone.
func (s *ScreenSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.display < screenshot.NumActiveDisplays()
}

func (s *ScreenSource) Capture() (image.Image, error) {
	bounds := screenshot.GetDisplayBounds(s.display)
	if bounds.Empty() {
		return image.NewRGBA(image.Rectangle{}), nil
	}
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", s.display, err)
	}
	return img, nil
}

func (s *ScreenSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
