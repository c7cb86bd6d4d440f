package control

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	displays []string
	commits  []string
	payloads []string
}

func (r *recorder) attach(p *Parser) {
	p.OnDisplay = func(s string) { r.mu.Lock(); r.displays = append(r.displays, s); r.mu.Unlock() }
	p.OnCommit = func(s string) { r.mu.Lock(); r.commits = append(r.commits, s); r.mu.Unlock() }
	p.OnPayload = func(s string) { r.mu.Lock(); r.payloads = append(r.payloads, s); r.mu.Unlock() }
}

func (r *recorder) payloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Quiescence = 20 * time.Millisecond
	return opts
}

func TestConversationalRepublishesWholePrefix(t *testing.T) {
	p := NewParser(DefaultOptions())
	r := &recorder{}
	r.attach(p)

	for _, f := range []string{"It", " is 4", "."} {
		p.Feed(f)
	}
	assert.Equal(t, []string{"It", "It is 4", "It is 4."}, r.displays)
	assert.Equal(t, Conversational, p.State())
	assert.Empty(t, r.payloads)
}

func TestSplitSentinelIsDetectedAndNeverDisplayed(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_")
	p.Feed("PROMPT:")
	p.Feed(" hello")
	assert.Equal(t, AwaitingPayload, p.State())

	require.Eventually(t, func() bool { return r.payloadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, r.payloads)
	for _, d := range r.displays {
		assert.NotContains(t, d, "FINAL")
	}
	assert.Equal(t, Conversational, p.State())
	assert.Empty(t, p.Pending())
}

func TestSentinelSplitAtEveryBoundary(t *testing.T) {
	text := "Great, here it is. FINAL_PROMPT: Teach fractions with pizza\n"
	for cut := 1; cut < len(text)-1; cut++ {
		for cut2 := cut + 1; cut2 < len(text); cut2 += 7 {
			p := NewParser(fastOptions())
			r := &recorder{}
			r.attach(p)

			p.Feed(text[:cut])
			p.Feed(text[cut:cut2])
			p.Feed(text[cut2:])

			require.Equal(t, []string{"Teach fractions with pizza"}, r.payloads, "cuts %d/%d", cut, cut2)
			require.Equal(t, []string{"Great, here it is."}, r.commits)
			for _, d := range r.displays {
				require.False(t, strings.Contains(d, "FINAL_PROMPT"), "leaked %q", d)
				require.False(t, strings.HasSuffix(d, "FINAL"), "leaked partial %q", d)
			}
		}
	}
}

func TestPartialSentinelIsReleasedWhenItDoesNotComplete(t *testing.T) {
	p := NewParser(DefaultOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("Answer: FIN")
	p.Feed("E work")
	assert.Equal(t, []string{"Answer: ", "Answer: FINE work"}, r.displays)
}

func TestPayloadDeliveredOnceThenConversationResumes(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("Done. FINAL_PROMPT: first\n")
	time.Sleep(50 * time.Millisecond)
	p.Feed("Shall we begin?")
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"first"}, r.payloads)
	assert.Equal(t, []string{"Done."}, r.commits)
	assert.Equal(t, []string{"Shall we begin?"}, r.displays)
	assert.Equal(t, Conversational, p.State())
}

func TestTextAfterPayloadLineIsConversational(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("Here. FINAL_PROMPT: teach fractions\nAnything")
	p.Feed(" else?")

	assert.Equal(t, []string{"teach fractions"}, r.payloads)
	assert.Equal(t, []string{"Anything", "Anything else?"}, r.displays)
	assert.Equal(t, "Anything else?", p.Pending())
}

func TestQuiescentPayloadTailIsNotDeliveredAgain(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_PROMPT: teach")
	require.Eventually(t, func() bool { return r.payloadCount() == 1 }, time.Second, 5*time.Millisecond)
	p.Feed(" slowly")
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"teach"}, r.payloads)
}

func TestHeldBackSuffixIsReleasedWhenStreamGoesQuiet(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("Water boils at 212 °")
	p.Feed("F")
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.displays) > 0 && r.displays[len(r.displays)-1] == "Water boils at 212 °F"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, Conversational, p.State())
}

func TestResetPublishesHeldBackSuffix(t *testing.T) {
	opts := DefaultOptions()
	opts.Quiescence = time.Hour
	p := NewParser(opts)
	r := &recorder{}
	r.attach(p)

	p.Feed("Your grade is F")
	assert.Equal(t, []string{"Your grade is "}, r.displays)

	p.Reset()
	assert.Equal(t, []string{"Your grade is ", "Your grade is F"}, r.displays)
	assert.Empty(t, p.Pending())

	p.Feed("Hello again")
	assert.Equal(t, "Hello again", r.displays[len(r.displays)-1])
}

func TestQuiescenceRestartsOnEachFragment(t *testing.T) {
	opts := DefaultOptions()
	opts.Quiescence = 80 * time.Millisecond
	p := NewParser(opts)
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_PROMPT: Teach")
	for _, f := range []string{" space", " and", " rockets"} {
		time.Sleep(30 * time.Millisecond)
		p.Feed(f)
	}
	assert.Zero(t, r.payloadCount())

	require.Eventually(t, func() bool { return r.payloadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Teach space and rockets", r.payloads[0])
}

func TestResetDropsIncompletePayload(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_PROMPT: unfinished")
	p.Reset()
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, r.payloadCount())
	assert.Equal(t, Conversational, p.State())
	assert.Empty(t, p.Pending())
}

func TestTerminatorRequiresExplicitEnd(t *testing.T) {
	p := NewParser(Options{Terminator: "END_PROMPT", Quiescence: 10 * time.Millisecond})
	r := &recorder{}
	r.attach(p)

	p.Feed("Ready. FINAL_PROMPT: line one\nline two.")
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, r.payloadCount(), "no terminator yet")

	p.Feed(" END_")
	p.Feed("PROMPT tail")
	require.Equal(t, []string{"line one\nline two."}, r.payloads)
	assert.Equal(t, []string{"Ready."}, r.commits)
}

func TestPunctuationHeuristic(t *testing.T) {
	opts := fastOptions()
	opts.EndOnPunctuation = true
	opts.Quiescence = time.Hour
	p := NewParser(opts)
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_PROMPT: Teach algebra")
	assert.Zero(t, r.payloadCount())
	p.Feed(" gently.")
	assert.Equal(t, []string{"Teach algebra gently."}, r.payloads)
}

func TestEmptyRemarkIsStillCommitted(t *testing.T) {
	p := NewParser(fastOptions())
	r := &recorder{}
	r.attach(p)

	p.Feed("FINAL_PROMPT: x\n")
	assert.Equal(t, []string{""}, r.commits)
	assert.Equal(t, []string{"x"}, r.payloads)
}
