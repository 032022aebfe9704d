package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
	"github.com/discord-voice-lab/voiceloop/internal/session"
)

const pingInterval = 30 * time.Second

// conn is one client. The reader runs on the HTTP handler goroutine and
// feeds the session in arrival order; a single writer goroutine owns all
// frame writes.
type conn struct {
	s      *Server
	ws     *websocket.Conn
	remote string

	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string

	mu       sync.Mutex
	sess     *session.State
	orch     *pipeline.Orchestrator
	rate     int
	channels int
	seq      uint64
}

func newConn(s *Server, ws *websocket.Conn, remote string) *conn {
	return &conn{
		s:          s,
		ws:         ws,
		remote:     remote,
		out:        make(chan []byte, s.cfg.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		rate:       s.cfg.SampleRate,
		channels:   1,
	}
}

func (c *conn) run() {
	go c.writeLoop()
	c.open()
	logging.Infow("transport: client connected", "remote", c.remote)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Infow("transport: connection lost", "remote", c.remote, "err", err)
			}
			break
		}
		switch mt {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleAudio(data, 0, 0)
		}
	}

	c.abortSession()
	c.close(websocket.CloseNormalClosure, "")
	<-c.writerDone
	logging.Infow("transport: client disconnected", "remote", c.remote)
}

// Emit implements pipeline.Sink. Events are dropped, not queued without
// bound, when the client cannot keep up.
func (c *conn) Emit(e pipeline.Event) {
	b, err := EncodeEvent(e)
	if err != nil {
		logging.Warnw("transport: encode event failed", "kind", e.Kind(), "err", err)
		return
	}
	c.send(b)
}

func (c *conn) send(b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- b:
	default:
		c.s.dropped.Add(1)
		logging.Warnw("transport: send queue full, dropping event", "remote", c.remote)
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				logging.Debugw("transport: write failed", "remote", c.remote, "err", err)
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.s.cfg.WriteTimeout))
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// close asks the writer to flush, send a close frame and drop the socket.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
}

func (c *conn) open() {
	sess := c.s.mgr.Create(map[string]string{"source": "websocket", "remote": c.remote})
	orch := pipeline.New(c.s.ctx, c.s.cfg.Pipeline, c.s.deps, sess, c)
	c.mu.Lock()
	c.sess, c.orch = sess, orch
	rate, channels := c.rate, c.channels
	c.mu.Unlock()
	c.send(encodeSessionStarted(sess.ID, rate, channels))
}

func (c *conn) current() (*session.State, *pipeline.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.orch
}

func (c *conn) detach() (*session.State, *pipeline.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, orch := c.sess, c.orch
	c.sess, c.orch = nil, nil
	return sess, orch
}

func (c *conn) handleText(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		logging.Debugw("transport: bad message", "remote", c.remote, "err", err)
		c.Emit(pipeline.ErrorEvent{Stage: "transport", Message: err.Error(), Timestamp: time.Now()})
		return
	}
	switch msg.Kind {
	case KindStart:
		c.restart(msg.SampleRate, msg.Channels)
	case KindAudio:
		c.handleAudio(msg.PCM, msg.SampleRate, msg.Channels)
	case KindEnd:
		c.end()
	case KindPing:
		if _, orch := c.current(); orch != nil {
			orch.Ping()
		}
	}
}

// restart applies the announced audio format and, when the current session
// has already heard audio, replaces it with a fresh one.
func (c *conn) restart(rate, channels int) {
	c.mu.Lock()
	if rate > 0 {
		c.rate = rate
	}
	if channels > 0 {
		c.channels = channels
	}
	rate, channels = c.rate, c.channels
	sess := c.sess
	c.mu.Unlock()

	if sess != nil && sess.Info().Chunks == 0 {
		c.send(encodeSessionStarted(sess.ID, rate, channels))
		return
	}
	c.abortSession()
	c.open()
}

func (c *conn) handleAudio(pcm []byte, rate, channels int) {
	c.mu.Lock()
	sess, orch := c.sess, c.orch
	if rate <= 0 {
		rate = c.rate
	}
	if channels <= 0 {
		channels = c.channels
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	if orch == nil {
		return
	}
	if _, err := c.s.mgr.Get(sess.ID); errors.Is(err, session.ErrNotFound) {
		// reaped while idle
		c.Emit(pipeline.ErrorEvent{Stage: "session", Message: "session expired", Timestamp: time.Now()})
		c.abortSession()
		c.close(websocket.CloseNormalClosure, "session expired")
		return
	}

	target := c.s.cfg.SampleRate
	if rate != target || channels != 1 {
		pcm = audio.SamplesToBytes(audio.ToCanonical(pcm, rate, channels, target))
	}
	err := orch.HandleChunk(audio.Chunk{PCM: pcm, SampleRate: target, Seq: seq, Arrived: time.Now()})
	if err != nil && !errors.Is(err, pipeline.ErrEnded) {
		logging.Warnw("transport: chunk rejected", logging.SessionFields(sess.ID, "err", err)...)
	}
}

// end flushes the trailing utterance, delivers its events and closes.
func (c *conn) end() {
	sess, orch := c.detach()
	if orch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.s.ctx, c.s.cfg.EndTimeout)
	err := orch.End(ctx)
	cancel()
	if err != nil {
		logging.Warnw("transport: session end incomplete", logging.SessionFields(sess.ID, "err", err)...)
	}
	c.destroy(sess)
	c.close(websocket.CloseNormalClosure, "session ended")
}

func (c *conn) abortSession() {
	sess, orch := c.detach()
	if orch == nil {
		return
	}
	orch.Abort()
	c.destroy(sess)
}

func (c *conn) destroy(sess *session.State) {
	if err := c.s.mgr.Destroy(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		logging.Warnw("transport: destroy session failed", logging.SessionFields(sess.ID, "err", err)...)
	}
}
