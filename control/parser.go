// Package control parses the streamed assistant text channel. The channel
// carries ordinary conversational text and, at the end of some turns, a
// structured payload introduced by a sentinel marker.
package control

import (
	"strings"
	"sync"
	"time"

	"github.com/schollz/logger"
)

// DefaultSentinel introduces the structured payload.
const DefaultSentinel = "FINAL_PROMPT:"

// DefaultQuiescence is how long the parser waits after the last fragment
// before it considers a payload complete.
const DefaultQuiescence = time.Second

// State of the parser within a turn.
type State int

const (
	// Conversational publishes every fragment to the transcript.
	Conversational State = iota
	// AwaitingPayload accumulates silently until the payload is complete.
	AwaitingPayload
)

func (s State) String() string {
	if s == AwaitingPayload {
		return "awaiting-payload"
	}
	return "conversational"
}

// Options configures payload detection.
type Options struct {
	Sentinel string
	// Terminator, when set, marks the end of the payload. The payload is
	// then complete only once the terminator arrives.
	Terminator string
	// Quiescence completes a payload when no fragment arrives for this long.
	// Unused when Terminator is set.
	Quiescence time.Duration
	// EndOnNewline completes a payload at the first newline that follows
	// non-empty payload text.
	EndOnNewline bool
	// EndOnPunctuation completes a payload that ends in . ! or ?.
	EndOnPunctuation bool
}

// DefaultOptions returns the heuristic used when no terminator is agreed.
func DefaultOptions() Options {
	return Options{
		Sentinel:     DefaultSentinel,
		Quiescence:   DefaultQuiescence,
		EndOnNewline: true,
	}
}

// Parser splits one assistant turn into display text and an optional payload.
type Parser struct {
	opts Options

	// OnDisplay receives the whole visible text of the turn so far.
	OnDisplay func(text string)
	// OnCommit receives the visible remark that preceded the payload.
	OnCommit func(text string)
	// OnPayload receives each extracted payload exactly once.
	OnPayload func(payload string)

	state     State
	acc       strings.Builder
	displayed string
	timer     *time.Timer
	gen       uint64
	mu        sync.Mutex
}

// NewParser creates a parser. Zero option fields fall back to the defaults.
func NewParser(opts Options) *Parser {
	if opts.Sentinel == "" {
		opts.Sentinel = DefaultSentinel
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = DefaultQuiescence
	}
	return &Parser{opts: opts}
}

// State returns the current parser state.
func (p *Parser) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pending returns the accumulated text of the current turn.
func (p *Parser) Pending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acc.String()
}

// Reset starts a new turn. Conversational text held back as a possible
// sentinel start is published first; an uncompleted payload is dropped.
func (p *Parser) Reset() {
	var emit func()

	p.mu.Lock()
	if p.state == AwaitingPayload {
		logger.Debugf("dropping incomplete payload (%d bytes)", p.acc.Len())
	} else {
		emit = p.displayLocked(p.acc.String())
	}
	p.resetLocked()
	p.mu.Unlock()

	if emit != nil {
		emit()
	}
}

func (p *Parser) resetLocked() {
	p.stopTimerLocked()
	p.state = Conversational
	p.acc.Reset()
	p.displayed = ""
}

func (p *Parser) stopTimerLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Parser) armTimerLocked() {
	p.stopTimerLocked()
	gen := p.gen
	p.timer = time.AfterFunc(p.opts.Quiescence, func() { p.quiesce(gen) })
}

// Feed consumes one fragment of the assistant stream.
func (p *Parser) Feed(fragment string) {
	var emit func()

	p.mu.Lock()
	if p.state == Conversational {
		emit = p.feedConversationalLocked(fragment)
	} else {
		p.acc.WriteString(fragment)
		emit = p.evaluateLocked()
	}
	p.mu.Unlock()

	if emit != nil {
		emit()
	}
}

func (p *Parser) feedConversationalLocked(fragment string) func() {
	p.acc.WriteString(fragment)
	text := p.acc.String()
	if strings.Contains(text, p.opts.Sentinel) {
		p.state = AwaitingPayload
		logger.Debugf("sentinel detected, collecting payload")
		return p.evaluateLocked()
	}

	shown := visible(text, p.opts.Sentinel)
	if shown != text {
		// A held back sentinel prefix is released once the stream goes quiet.
		p.armTimerLocked()
	} else {
		p.stopTimerLocked()
	}
	return p.displayLocked(shown)
}

// displayLocked records text as displayed and returns its publication, or
// nil when nothing changed.
func (p *Parser) displayLocked(text string) func() {
	if text == p.displayed {
		return nil
	}
	p.displayed = text
	cb := p.OnDisplay
	if cb == nil {
		return nil
	}
	return func() { cb(text) }
}

// evaluateLocked decides whether the payload is complete. It returns the
// delivery to run after the lock is released, or arms the quiescence timer.
func (p *Parser) evaluateLocked() func() {
	text := p.acc.String()
	idx := strings.Index(text, p.opts.Sentinel)
	before, after := text[:idx], text[idx+len(p.opts.Sentinel):]

	if p.opts.Terminator != "" {
		end := strings.Index(after, p.opts.Terminator)
		if end < 0 {
			return nil
		}
		return p.completeLocked(before, after[:end], after[end+len(p.opts.Terminator):])
	}

	trimmed := strings.TrimLeft(after, " \t\r\n")
	if p.opts.EndOnNewline {
		if nl := strings.IndexByte(trimmed, '\n'); nl > 0 && strings.TrimSpace(trimmed[:nl]) != "" {
			return p.completeLocked(before, trimmed[:nl], trimmed[nl+1:])
		}
	}
	if p.opts.EndOnPunctuation {
		if t := strings.TrimSpace(trimmed); t != "" && strings.ContainsRune(".!?", rune(t[len(t)-1])) {
			return p.completeLocked(before, t, "")
		}
	}

	p.armTimerLocked()
	return nil
}

func (p *Parser) quiesce(gen uint64) {
	var emit func()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	text := p.acc.String()
	if p.state == Conversational {
		emit = p.displayLocked(text)
	} else {
		idx := strings.Index(text, p.opts.Sentinel)
		emit = p.completeLocked(text[:idx], text[idx+len(p.opts.Sentinel):], "")
	}
	p.mu.Unlock()

	if emit != nil {
		emit()
	}
}

// completeLocked ends the payload and returns to conversational text. Any
// text after the end of the payload starts the next conversational stretch.
func (p *Parser) completeLocked(before, payload, rest string) func() {
	remark := strings.TrimSpace(before)
	payload = strings.TrimSpace(payload)
	p.resetLocked()

	var next func()
	if rest = strings.TrimLeft(rest, " \t\r\n"); rest != "" {
		next = p.feedConversationalLocked(rest)
	}

	onCommit, onPayload := p.OnCommit, p.OnPayload
	return func() {
		if onCommit != nil {
			onCommit(remark)
		}
		if payload == "" {
			logger.Debugf("sentinel without payload, nothing delivered")
		} else if onPayload != nil {
			onPayload(payload)
		}
		if next != nil {
			next()
		}
	}
}

// visible returns text without a trailing partial sentinel, so a marker
// split across fragments never reaches the transcript.
func visible(text, sentinel string) string {
	for k := len(sentinel) - 1; k > 0; k-- {
		if strings.HasSuffix(text, sentinel[:k]) {
			return text[:len(text)-k]
		}
	}
	return text
}
