package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/logger"
)

const (
	soxBinary      = "sox"
	soxBlockSize   = 4096
	playQueueDepth = 256
)

// ErrPlayerClosed is returned when scheduling audio on a closed player.
var ErrPlayerClosed = errors.New("audio player closed")

// ErrPlayerBusy is returned when the player cannot keep up with scheduled audio.
var ErrPlayerBusy = errors.New("audio player queue full")

func soxRawArgs(rate int) []string {
	return []string{
		"-t", "raw",
		"-r", strconv.Itoa(rate),
		"-e", "floating-point",
		"-b", "32",
		"-c", "1",
		"-L",
	}
}

// SoxPlayer streams audio to the default output device through sox.
// Its clock starts when the player is opened.
type SoxPlayer struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	rate  int

	origin  time.Time
	written time.Duration
	queue   chan []byte
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSoxPlayer starts a sox process playing raw float audio at rate.
func NewSoxPlayer(rate int) (*SoxPlayer, error) {
	args := append([]string{"-q"}, soxRawArgs(rate)...)
	args = append(args, "-", "-d")
	cmd := exec.Command(soxBinary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sox player: %w", err)
	}

	p := &SoxPlayer{
		cmd:    cmd,
		stdin:  stdin,
		rate:   rate,
		origin: time.Now(),
		queue:  make(chan []byte, playQueueDepth),
		done:   make(chan struct{}),
	}
	go p.writeLoop()
	return p, nil
}

// Now implements Output.
func (p *SoxPlayer) Now() time.Duration {
	return time.Since(p.origin)
}

// Play implements Output. Silence is inserted when at lies beyond the end of
// what has been written so far.
func (p *SoxPlayer) Play(at time.Duration, samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlayerClosed
	}

	base := p.written
	if now := p.Now(); now > base {
		base = now
	}
	pad := 0
	if at > base {
		pad = int((at - base) * time.Duration(p.rate) / time.Second)
	}

	buf := make([]byte, (pad+len(samples))*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[(pad+i)*4:], math.Float32bits(s))
	}

	select {
	case p.queue <- buf:
	default:
		return ErrPlayerBusy
	}
	p.written = at + SamplesDuration(len(samples), p.rate)
	return nil
}

func (p *SoxPlayer) writeLoop() {
	defer close(p.done)
	for b := range p.queue {
		if _, err := p.stdin.Write(b); err != nil {
			logger.Errorf("sox player write: %v", err)
			return
		}
	}
}

// Close stops playback and waits for sox to exit.
func (p *SoxPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.stdin.Close()
	return p.cmd.Wait()
}

// SoxSource captures the default input device through sox.
type SoxSource struct {
	rate int

	cmd  *exec.Cmd
	once sync.Once
	mu   sync.Mutex
}

// NewSoxSource returns a capture source recording at rate.
func NewSoxSource(rate int) *SoxSource {
	return &SoxSource{rate: rate}
}

// SampleRate implements Source.
func (s *SoxSource) SampleRate() int {
	return s.rate
}

// Start implements Source.
func (s *SoxSource) Start(callback func(block []float32)) error {
	args := append([]string{"-q", "-d"}, soxRawArgs(s.rate)...)
	args = append(args, "-")
	cmd := exec.Command(soxBinary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sox capture: %w", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go func() {
		raw := make([]byte, soxBlockSize*4)
		for {
			if _, err := io.ReadFull(stdout, raw); err != nil {
				logger.Debugf("sox capture ended: %v", err)
				return
			}
			block := make([]float32, soxBlockSize)
			for i := range block {
				block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			callback(block)
		}
	}()
	return nil
}

// Stop implements Source. The sox process is killed before Stop returns.
func (s *SoxSource) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}
		if err := cmd.Process.Kill(); err != nil {
			logger.Errorf("failed to kill sox capture: %v", err)
		}
		_ = cmd.Wait()
	})
}
