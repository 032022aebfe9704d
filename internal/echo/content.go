package echo

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

type utterance struct {
	text string
	at   time.Time
}

// ContentGate remembers what the assistant said recently and flags
// transcripts that repeat it.
type ContentGate struct {
	retention  time.Duration
	match      time.Duration
	minContain int
	now        func() time.Time

	mu      sync.Mutex
	entries []utterance
}

func NewContentGate(cfg Config, now func() time.Time) *ContentGate {
	if now == nil {
		now = time.Now
	}
	return &ContentGate{
		retention:  cfg.RetentionWindow,
		match:      cfg.MatchWindow,
		minContain: cfg.MinContainLen,
		now:        now,
	}
}

// Record stores an assistant utterance at the current time.
func (c *ContentGate) Record(text string) {
	norm := normalize(text)
	if norm == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, utterance{text: norm, at: c.now()})
}

// IsEcho reports whether candidate repeats an utterance recorded within the
// match window: equal to it, contained in it, or, for utterances longer
// than the containment minimum, containing it.
func (c *ContentGate) IsEcho(candidate string) bool {
	cand := normalize(candidate)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	if cand == "" {
		return false
	}
	padded := " " + cand + " "
	for _, u := range c.entries {
		if now.Sub(u.at) > c.match {
			continue
		}
		if cand == u.text || strings.Contains(" "+u.text+" ", padded) {
			return true
		}
		if len(u.text) > c.minContain && strings.Contains(padded, " "+u.text+" ") {
			return true
		}
	}
	return false
}

// Len is the number of retained utterances.
func (c *ContentGate) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.entries)
}

func (c *ContentGate) pruneLocked(now time.Time) {
	keep := c.entries[:0]
	for _, u := range c.entries {
		if now.Sub(u.at) <= c.retention {
			keep = append(keep, u)
		}
	}
	c.entries = keep
}

// normalize lowercases, drops punctuation and collapses whitespace so
// transcripts compare on words.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'':
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
