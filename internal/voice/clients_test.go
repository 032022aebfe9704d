package voice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

func TestWhisperClientSendsWAVAndOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		assert.Equal(t, "5", r.URL.Query().Get("beam_size"))
		assert.Equal(t, "translate", r.URL.Query().Get("task"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		clip, err := audio.DecodeWAV(body)
		require.NoError(t, err)
		assert.Equal(t, 16000, clip.SampleRate)
		assert.Len(t, clip.Samples, 1600)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Processing-Time-ms", "42")
		_, _ = w.Write([]byte(`{"text":"  hello world  "}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WhisperConfig{
		URL: srv.URL + "/asr", AuthToken: "secret", Language: "en", BeamSize: 5, Translate: true,
	})
	require.NoError(t, err)

	text, err := c.Transcribe(context.Background(), make([]int16, 1600), 16000)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestWhisperClientRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WhisperConfig{URL: srv.URL})
	require.NoError(t, err)
	text, err := c.Transcribe(context.Background(), make([]int16, 160), 16000)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestWhisperClientReportsClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewWhisperClient(WhisperConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), make([]int16, 160), 16000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClientsRequireURL(t *testing.T) {
	_, err := NewWhisperClient(WhisperConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewTTSClient(TTSConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestProcessingMSSources(t *testing.T) {
	assert.Equal(t, 12, processingMS("12", nil))
	assert.Equal(t, 30, processingMS("", float64(30)))
	assert.Equal(t, 7, processingMS("", "7"))
	assert.Equal(t, 0, processingMS("x", nil))
}

func TestTTSClientDecodesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		wav, err := audio.EncodeWAV(make([]int16, 480), 24000, 1)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	c, err := NewTTSClient(TTSConfig{URL: srv.URL, CacheSize: 4})
	require.NoError(t, err)

	clip, err := c.Synthesize(context.Background(), "hello", "alto", 1)
	require.NoError(t, err)
	assert.Equal(t, 24000, clip.SampleRate)
	assert.Len(t, clip.Samples, 480)
	assert.Equal(t, 20*time.Millisecond, clip.Duration())

	_, err = c.Synthesize(context.Background(), "hello", "alto", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second call served from cache")

	_, err = c.Synthesize(context.Background(), "hello", "bass", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "voice is part of the cache key")
}

func TestTTSClientServerError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewTTSClient(TTSConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = c.Synthesize(context.Background(), "hello", "", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func testRecord(turnID string, started time.Time) pipeline.TurnRecord {
	return pipeline.TurnRecord{
		SessionID:  "sess-1",
		TurnID:     turnID,
		Labels:     map[string]string{"source": "test"},
		Started:    started,
		Samples:    make([]int16, 8000),
		SampleRate: 16000,
		Transcript: "what time is it",
		Response:   "noon",
		Outcome:    pipeline.OutcomeCompleted,
		Stages:     map[string]time.Duration{"stt.transcribe": 120 * time.Millisecond},
	}
}

func readSidecar(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var sc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &sc))
	return sc
}

func TestArchiveWritesWAVAndSidecar(t *testing.T) {
	a := NewArchive(t.TempDir(), time.Hour, 10)
	a.Archive(testRecord("turn-1", time.Now()))

	path := a.FindByCID("turn-1")
	require.NotEmpty(t, path)
	sc := readSidecar(t, path)
	assert.Equal(t, "what time is it", sc["transcript"])
	assert.Equal(t, "noon", sc["response"])
	assert.Equal(t, "completed", sc["outcome"])
	assert.Equal(t, float64(500), sc["duration_ms"])
	assert.Equal(t, float64(120), sc["stages_ms"].(map[string]interface{})["stt.transcribe"])

	wav, err := os.ReadFile(sc["wav_path"].(string))
	require.NoError(t, err)
	clip, err := audio.DecodeWAV(wav)
	require.NoError(t, err)
	assert.Len(t, clip.Samples, 8000)

	require.NoError(t, a.MergeUpdates("turn-1", map[string]interface{}{"playback_ms": 250}))
	sc = readSidecar(t, path)
	assert.Equal(t, float64(250), sc["playback_ms"])
	assert.Equal(t, "noon", sc["response"])
}

func TestArchiveFindsSidecarsWrittenEarlier(t *testing.T) {
	dir := t.TempDir()
	NewArchive(dir, time.Hour, 10).Archive(testRecord("turn-9", time.Now()))

	fresh := NewArchive(dir, time.Hour, 10)
	assert.NotEmpty(t, fresh.FindByCID("turn-9"))
	assert.Error(t, fresh.MergeUpdates("missing", map[string]interface{}{"x": 1}))
}

func TestArchiveCleanRetentionAndMaxFiles(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(dir, time.Hour, 2)
	now := time.Now()
	for i, id := range []string{"old", "mid", "new1", "new2"} {
		a.Archive(testRecord(id, now.Add(time.Duration(i)*time.Second)))
	}
	age := map[string]time.Duration{"old": 2 * time.Hour, "mid": 30 * time.Minute, "new1": 2 * time.Minute, "new2": time.Minute}
	for id, d := range age {
		p := a.FindByCID(id)
		require.NotEmpty(t, p)
		mod := now.Add(-d)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	// "old" is past retention, "mid" is the oldest beyond the two kept
	assert.Equal(t, 2, a.Clean())
	assert.Empty(t, a.FindByCID("old"))
	assert.Empty(t, a.FindByCID("mid"))
	assert.NotEmpty(t, a.FindByCID("new1"))

	wavs, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	require.NoError(t, err)
	assert.Len(t, wavs, 2)
}

func TestNilArchiveIsNoop(t *testing.T) {
	a := NewArchive("", time.Hour, 1)
	assert.Nil(t, a)
	a.Archive(testRecord("x", time.Now()))
	assert.Equal(t, 0, a.Clean())
	stop, err := a.StartCleaner("@every 1m")
	require.NoError(t, err)
	stop()
}

func TestArchiveCleanerRejectsBadSchedule(t *testing.T) {
	a := NewArchive(t.TempDir(), time.Hour, 1)
	_, err := a.StartCleaner("not a schedule")
	assert.Error(t, err)
}
