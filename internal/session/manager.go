package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/discord-voice-lab/voiceloop/internal/echo"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

var ErrNotFound = errors.New("session not found")

type Config struct {
	SampleRate  int
	IdleTimeout time.Duration
	VAD         vad.Config
	Echo        echo.Config
}

// ClassifierFactory returns the turn classifier for a new session.
type ClassifierFactory func() vad.TurnClassifier

// Manager creates, finds and tears down sessions.
type Manager struct {
	cfg        Config
	classifier ClassifierFactory
	now        func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*State
	onCreate  []func(Info)
	onDestroy []func(Info)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// OnCreate registers a hook run after every session is created.
func OnCreate(fn func(Info)) Option {
	return func(m *Manager) { m.onCreate = append(m.onCreate, fn) }
}

// OnDestroy registers a hook run with the final counters of every
// destroyed session.
func OnDestroy(fn func(Info)) Option {
	return func(m *Manager) { m.onDestroy = append(m.onDestroy, fn) }
}

func NewManager(cfg Config, classifier ClassifierFactory, opts ...Option) *Manager {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	cfg.VAD.SampleRate = cfg.SampleRate
	m := &Manager{cfg: cfg, classifier: classifier, now: time.Now, sessions: make(map[string]*State)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddDestroyHook registers a destroy hook on a running manager, for
// components built after it that keep their own per-session state.
func (m *Manager) AddDestroyHook(fn func(Info)) {
	m.mu.Lock()
	m.onDestroy = append(m.onDestroy, fn)
	m.mu.Unlock()
}

// Create starts a new session with fresh buffers.
func (m *Manager) Create(labels map[string]string) *State {
	now := m.now()
	var c vad.TurnClassifier
	if m.classifier != nil {
		c = m.classifier()
	}
	s := &State{
		ID:           uuid.NewString(),
		Created:      now,
		Labels:       labels,
		VAD:          vad.New(m.cfg.VAD, c, vad.WithClock(m.now)),
		Echo:         echo.New(m.cfg.Echo, m.now),
		sampleRate:   m.cfg.SampleRate,
		now:          m.now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	hooks := append([]func(Info){}, m.onCreate...)
	m.mu.Unlock()
	logging.Infow("session: created", logging.SessionFields(s.ID, "active", n)...)
	if len(hooks) > 0 {
		info := s.Info()
		for _, h := range hooks {
			runHook(s.ID, h, info)
		}
	}
	return s
}

func (m *Manager) Get(id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Ingest appends a chunk of PCM16 audio to the session's buffer.
func (m *Manager) Ingest(id string, pcm []byte) (*State, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.Append(pcm)
	return s, nil
}

// Destroy removes the session, releases its buffers and runs the destroy
// hooks with its final counters.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	hooks := append([]func(Info){}, m.onDestroy...)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	info := s.Info()
	s.Clear()
	s.VAD.Reset()
	for _, h := range hooks {
		runHook(id, h, info)
	}
	logging.Infow("session: destroyed", logging.SessionFields(id,
		"turns", info.TurnCount, "audio_ms", info.AudioProcessed.Milliseconds(), "active", n)...)
	return nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns session snapshots ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*State, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// ReapIdle destroys sessions with no activity for the idle timeout and
// returns their ids.
func (m *Manager) ReapIdle() []string {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		if err := m.Destroy(id); err == nil {
			logging.Infow("session: reaped idle session", logging.SessionFields(id, "idle_timeout", m.cfg.IdleTimeout.String())...)
		}
	}
	return stale
}

// StartReaper runs ReapIdle on the cron schedule until the returned stop
// function is called.
func (m *Manager) StartReaper(schedule string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { m.ReapIdle() }); err != nil {
		return nil, fmt.Errorf("session reaper schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func runHook(id string, h func(Info), info Info) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warnw("session: hook panicked", logging.SessionFields(id, "panic", r)...)
		}
	}()
	h(info)
}
