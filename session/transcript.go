package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role of a transcript entry
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleSystem  Role = "system"
	RoleError   Role = "error"
)

// Entry is one line of the conversation as the user sees it.
type Entry struct {
	ID        string
	Role      Role
	Content   string
	Streaming bool
	At        time.Time
}

// Transcript is the ordered list of entries of a session. At most one
// teacher entry is streaming at a time, and it is always the last one.
type Transcript struct {
	entries []Entry
	mu      sync.RWMutex
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Add appends a finished entry.
func (t *Transcript) Add(role Role, content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Entry{ID: uuid.New().String(), Role: role, Content: content, At: time.Now()}
	t.entries = append(t.entries, e)
	return e
}

// UpdateStreaming replaces the text of the streaming teacher entry,
// creating it when the teacher starts a new reply.
func (t *Transcript) UpdateStreaming(content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.streamingLocked(); e != nil {
		e.Content = content
		return *e
	}
	e := Entry{ID: uuid.New().String(), Role: RoleTeacher, Content: content, Streaming: true, At: time.Now()}
	t.entries = append(t.entries, e)
	return e
}

// Commit finishes the streaming teacher entry with its final text. An empty
// text removes the entry. Without a streaming entry a non-empty text is
// appended as a finished teacher entry. The bool is false when nothing is
// left to show.
func (t *Transcript) Commit(content string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.streamingLocked(); e != nil {
		if content == "" {
			t.entries = t.entries[:len(t.entries)-1]
			return Entry{}, false
		}
		e.Content = content
		e.Streaming = false
		return *e, true
	}
	if content == "" {
		return Entry{}, false
	}
	e := Entry{ID: uuid.New().String(), Role: RoleTeacher, Content: content, At: time.Now()}
	t.entries = append(t.entries, e)
	return e, true
}

// FinishStreaming marks the streaming entry, if any, as final.
func (t *Transcript) FinishStreaming() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.streamingLocked(); e != nil {
		e.Streaming = false
		return *e, true
	}
	return Entry{}, false
}

func (t *Transcript) streamingLocked() *Entry {
	if n := len(t.entries); n > 0 && t.entries[n-1].Streaming {
		return &t.entries[n-1]
	}
	return nil
}

// Entries returns a copy of all entries.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// History returns the finished student and teacher entries, the context a
// follow-up request is built from.
func (t *Transcript) History() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Streaming || e.Content == "" {
			continue
		}
		if e.Role == RoleStudent || e.Role == RoleTeacher {
			out = append(out, e)
		}
	}
	return out
}
