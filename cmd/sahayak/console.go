package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/schollz/logger"

	"github.com/room4-2/sahayak/audio"
	"github.com/room4-2/sahayak/config"
	"github.com/room4-2/sahayak/control"
	"github.com/room4-2/sahayak/relay"
	"github.com/room4-2/sahayak/session"
	"github.com/room4-2/sahayak/video"
)

// consoleMedia selects the media started together with the session.
type consoleMedia struct {
	mic    bool
	screen bool
}

// console runs one session against the terminal.
type console struct {
	cfg *config.ClientConfig
	out io.Writer

	// stopOnPayload ends Run as soon as a payload arrives.
	stopOnPayload bool

	player       *audio.SoxPlayer
	payloads     chan string
	disconnected chan struct{}
	payload      string

	// printed is the streaming entry text already written.
	printedID string
	printed   string
	mu        sync.Mutex
}

func newConsole(cfg *config.ClientConfig, out io.Writer) *console {
	return &console{
		cfg:          cfg,
		out:          out,
		payloads:     make(chan string, 1),
		disconnected: make(chan struct{}, 1),
	}
}

var (
	stdinOnce  sync.Once
	stdinLines chan string
)

// inputLines returns the lines typed on stdin. Consoles run one after the
// other share the same reader.
func inputLines() <-chan string {
	stdinOnce.Do(func() {
		stdinLines = make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				stdinLines <- scanner.Text()
			}
			close(stdinLines)
		}()
	})
	return stdinLines
}

func (c *console) newSession(mode string) *session.Session {
	cfg := c.cfg
	opts := session.Options{
		URL: cfg.URL,
		Parser: control.Options{
			Sentinel:     control.DefaultSentinel,
			Quiescence:   cfg.Quiescence,
			EndOnNewline: true,
		},
		Video: video.Options{
			Interval:   cfg.FrameInterval,
			Scale:      cfg.FrameScale,
			Quality:    cfg.FrameQuality,
			MinPayload: cfg.FrameMinPayload,
		},
		Microphone: func() audio.Source {
			return audio.NewSoxSource(cfg.CaptureRate)
		},
		ChunkSamples:      cfg.ChunkSamples,
		PingPeriod:        cfg.PingPeriod,
		Introduction:      relay.Introduction,
		IntroductionDelay: cfg.IntroductionDelay,
		RecordWithScreen:  true,
	}

	if relay.SpokenMode(mode) {
		player, err := audio.NewSoxPlayer(audio.InboundRate)
		if err != nil {
			logger.Errorf("⚠️ audio playback unavailable: %v", err)
		} else {
			c.player = player
			opts.Output = player
		}
	}

	s := session.New(opts)
	s.OnTranscript = c.printEntry
	s.OnNotice = func(n session.Notice) {
		if n.Level == session.NoticeError {
			logger.Errorf("❌ %s", n.Text)
			return
		}
		logger.Debugf("%s", n.Text)
	}
	s.OnStateChange = func(st session.State) {
		logger.Debugf("session %s", st)
		if st == session.Disconnected {
			select {
			case c.disconnected <- struct{}{}:
			default:
			}
		}
	}
	s.OnPayload = func(p string) {
		select {
		case c.payloads <- p:
		default:
		}
	}
	return s
}

// Run connects and serves the terminal until /quit, ctx is done, the
// connection drops or, with stopOnPayload, a payload arrives.
func (c *console) Run(ctx context.Context, mode, initPayload string, media consoleMedia) error {
	s := c.newSession(mode)
	if err := s.Connect(ctx, mode, initPayload); err != nil {
		return err
	}
	defer s.Disconnect()

	if media.mic {
		if err := s.StartRecording(audio.NewSoxSource(c.cfg.CaptureRate)); err != nil {
			logger.Errorf("❌ microphone: %v", err)
		}
	}
	if media.screen {
		c.toggleScreen(s)
	}

	fmt.Fprintf(c.out, "Connected in %s mode. Type a message, /help for commands.\n", mode)

	lines := inputLines()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.disconnected:
			fmt.Fprintln(c.out, "\nDisconnected.")
			return nil
		case p := <-c.payloads:
			c.mu.Lock()
			c.payload = p
			c.mu.Unlock()
			if c.stopOnPayload {
				return nil
			}
			fmt.Fprintf(c.out, "\n[payload] %s\n", p)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(s, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs a slash command or sends the line as text. It reports
// whether the user asked to quit.
func (c *console) handleLine(s *session.Session, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, "/mic toggle microphone, /screen toggle screen share, /history show chat history, /quit leave")
	case "/mic":
		if s.Recording() {
			s.StopRecording()
			fmt.Fprintln(c.out, "[mic off]")
			return false
		}
		if err := s.StartRecording(audio.NewSoxSource(c.cfg.CaptureRate)); err != nil {
			logger.Errorf("❌ microphone: %v", err)
			return false
		}
		fmt.Fprintln(c.out, "[mic on]")
	case "/screen":
		c.toggleScreen(s)
	case "/history":
		for _, e := range s.Transcript().History() {
			fmt.Fprintf(c.out, "%-8s %s\n", e.Role, e.Content)
		}
	default:
		if err := s.SendText(line); err != nil {
			logger.Errorf("❌ %v", err)
		}
	}
	return false
}

func (c *console) toggleScreen(s *session.Session) {
	if s.Sharing() {
		s.StopScreenShare()
		fmt.Fprintln(c.out, "[screen share off]")
		return
	}
	src, err := video.NewScreenSource(c.cfg.Display)
	if err != nil {
		logger.Errorf("❌ screen share: %v", err)
		return
	}
	if err := s.StartScreenShare(src); err != nil {
		logger.Errorf("❌ screen share: %v", err)
		return
	}
	fmt.Fprintln(c.out, "[screen share on]")
}

// printEntry writes transcript updates. A streaming entry is printed
// incrementally as its text grows.
func (c *console) printEntry(e session.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Role != session.RoleTeacher {
		if e.Role == session.RoleStudent {
			return
		}
		c.endLineLocked()
		fmt.Fprintf(c.out, "[%s] %s\n", e.Role, e.Content)
		return
	}

	if e.ID != c.printedID {
		c.endLineLocked()
		c.printedID = e.ID
		fmt.Fprint(c.out, "teacher: ")
	}
	if strings.HasPrefix(e.Content, c.printed) {
		fmt.Fprint(c.out, e.Content[len(c.printed):])
	} else {
		fmt.Fprintf(c.out, "\nteacher: %s", e.Content)
	}
	c.printed = e.Content
	if !e.Streaming {
		c.endLineLocked()
	}
}

func (c *console) endLineLocked() {
	if c.printedID != "" {
		fmt.Fprintln(c.out)
	}
	c.printedID = ""
	c.printed = ""
}

// Payload returns the last payload the session delivered.
func (c *console) Payload() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

func (c *console) Close() {
	if c.player != nil {
		if err := c.player.Close(); err != nil {
			logger.Debugf("player close: %v", err)
		}
	}
}
