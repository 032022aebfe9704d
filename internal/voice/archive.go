package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

// Archive keeps each finished turn on disk as a WAV of the user's audio and
// a JSON sidecar describing it. A nil *Archive is a valid no-op.
type Archive struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int

	mu    sync.Mutex
	index map[string]string // turn id -> sidecar path
	now   func() time.Time
}

func NewArchive(dir string, retention time.Duration, maxFiles int) *Archive {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Archive{
		Dir:       dir,
		Retention: retention,
		MaxFiles:  maxFiles,
		index:     make(map[string]string),
		now:       time.Now,
	}
}

// Archive implements pipeline.Archiver. Write failures are logged.
func (a *Archive) Archive(rec pipeline.TurnRecord) {
	if a == nil {
		return
	}
	if err := a.write(rec); err != nil {
		logging.Warnw("archive: failed to save turn", "err", err, "turn_id", rec.TurnID, "session_id", rec.SessionID)
	}
}

func (a *Archive) write(rec pipeline.TurnRecord) error {
	ts := rec.Started.UTC().Format("20060102T150405.000Z")
	base := filepath.Join(a.Dir, fmt.Sprintf("%s_%s_%s", ts, safeName(rec.SessionID), rec.TurnID))
	wavPath := base + ".wav"
	jsonPath := base + ".json"

	wav, err := audio.EncodeWAV(rec.Samples, rec.SampleRate, 1)
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(wavPath, wav, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", wavPath, err)
	}

	stages := make(map[string]int64, len(rec.Stages))
	for k, d := range rec.Stages {
		stages[k] = d.Milliseconds()
	}
	sc := map[string]interface{}{
		"correlation_id": rec.TurnID,
		"session_id":     rec.SessionID,
		"labels":         rec.Labels,
		"started_utc":    rec.Started.UTC().Format(time.RFC3339Nano),
		"saved_utc":      a.now().UTC().Format(time.RFC3339Nano),
		"wav_path":       wavPath,
		"sample_rate":    rec.SampleRate,
		"duration_ms":    audio.BytesDuration(len(rec.Samples)*2, rec.SampleRate).Milliseconds(),
		"transcript":     rec.Transcript,
		"response":       rec.Response,
		"outcome":        rec.Outcome,
		"stages_ms":      stages,
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(jsonPath, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", jsonPath, err)
	}

	a.mu.Lock()
	a.index[rec.TurnID] = jsonPath
	a.mu.Unlock()
	logging.Debugw("archive: saved turn", "path", jsonPath, "turn_id", rec.TurnID)
	return nil
}

// FindByCID returns the sidecar path of a turn, or "" when the archive has
// no record of it.
func (a *Archive) FindByCID(cid string) string {
	if a == nil || cid == "" {
		return ""
	}
	a.mu.Lock()
	path, ok := a.index[cid]
	a.mu.Unlock()
	if ok {
		return path
	}
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Warnw("archive: failed to list dir", "dir", a.Dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if strings.HasSuffix(name, "_"+cid+".json") {
			return filepath.Join(a.Dir, name)
		}
	}
	return ""
}

// MergeUpdates reads the sidecar of a turn, merges updates into it and
// writes it back atomically.
func (a *Archive) MergeUpdates(cid string, updates map[string]interface{}) error {
	if a == nil {
		return fmt.Errorf("archive not configured")
	}
	path := a.FindByCID(cid)
	if path == "" {
		return fmt.Errorf("sidecar not found for cid=%s (searched dir=%s)", cid, a.Dir)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", path, err)
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	return nil
}

// Clean removes turns older than Retention, then the oldest turns beyond
// MaxFiles. It returns how many turns were removed.
func (a *Archive) Clean() int {
	if a == nil {
		return 0
	}
	files, err := os.ReadDir(a.Dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "err", err)
		return 0
	}
	type pair struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pair
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := fi.Info()
		if err != nil {
			continue
		}
		jsonPath := filepath.Join(a.Dir, name)
		pairs = append(pairs, pair{
			jsonPath: jsonPath,
			wavPath:  strings.TrimSuffix(jsonPath, ".json") + ".wav",
			mod:      info.ModTime(),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := 0
	if a.Retention > 0 {
		cutoff := a.now().Add(-a.Retention)
		for remove < len(pairs) && pairs[remove].mod.Before(cutoff) {
			remove++
		}
	}
	if a.MaxFiles > 0 && len(pairs)-remove > a.MaxFiles {
		remove = len(pairs) - a.MaxFiles
	}
	for _, p := range pairs[:remove] {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
		a.forget(p.jsonPath)
	}
	if remove > 0 {
		logging.Infow("archive: removed old turns", "count", remove, "dir", a.Dir)
	}
	return remove
}

func (a *Archive) forget(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.index {
		if p == path {
			delete(a.index, id)
			return
		}
	}
}

// StartCleaner runs Clean on a cron schedule until the returned func is
// called.
func (a *Archive) StartCleaner(schedule string) (func(), error) {
	if a == nil {
		return func() {}, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { a.Clean() }); err != nil {
		return nil, fmt.Errorf("archive: schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}
