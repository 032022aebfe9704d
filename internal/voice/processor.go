package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
	"github.com/discord-voice-lab/voiceloop/internal/session"
)

// Messenger is the part of *discordgo.Session used to post text.
type Messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// VoiceOutput carries encoded Opus frames to the voice channel.
type VoiceOutput interface {
	Speaking(speaking bool) error
	Send(ctx context.Context, frame []byte) error
}

type connOutput struct{ vc *discordgo.VoiceConnection }

func (c connOutput) Speaking(b bool) error { return c.vc.Speaking(b) }

func (c connOutput) Send(ctx context.Context, frame []byte) error {
	select {
	case c.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ProcessorConfig struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	AllowedUserIDs []string
	Pipeline       pipeline.Config
	QueueSize      int
}

type opusPacket struct {
	ssrc    uint32
	data    []byte
	arrived time.Time
}

// speaker is one Discord user with their own session and decoder.
type speaker struct {
	userID string
	name   string
	sess   *session.State
	orch   *pipeline.Orchestrator
	dec    OpusDecoder
	pcm    []int16
	seq    uint64
}

// Processor bridges a Discord voice channel to per-user pipeline sessions:
// it maps SSRCs to users, decodes their Opus frames into canonical PCM,
// posts transcripts and replies to a text channel and plays synthesized
// replies back into the voice channel.
type Processor struct {
	cfg      ProcessorConfig
	mgr      *session.Manager
	deps     pipeline.Deps
	codec    Codec
	resolver NameResolver
	messages Messenger
	archive  *Archive

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	ssrcMap   map[uint32]string
	allowlist map[string]struct{}
	speakers  map[string]*speaker
	out       VoiceOutput
	closed    bool

	// one reply plays at a time on the shared connection
	playMu sync.Mutex

	opusCh chan opusPacket
	posts  chan string

	enqueueCount   int64
	dropQueueCount int64
	decodeErrCount int64
	unknownCount   int64
}

type Option func(*Processor)

func WithCodec(c Codec) Option { return func(p *Processor) { p.codec = c } }

func WithResolver(r NameResolver) Option { return func(p *Processor) { p.resolver = r } }

func WithMessenger(m Messenger) Option { return func(p *Processor) { p.messages = m } }

// NewProcessor starts the decode and post workers. deps.Player is replaced
// by playback into the voice channel.
func NewProcessor(cfg ProcessorConfig, mgr *session.Manager, deps pipeline.Deps, opts ...Option) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Pipeline.SampleRate <= 0 {
		cfg.Pipeline.SampleRate = 16000
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:      cfg,
		mgr:      mgr,
		codec:    DefaultCodec(),
		resolver: NewNoopResolver(),
		ctx:      ctx,
		cancel:   cancel,
		ssrcMap:  make(map[uint32]string),
		speakers: make(map[string]*speaker),
		opusCh:   make(chan opusPacket, cfg.QueueSize),
		posts:    make(chan string, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if a, ok := deps.Archiver.(*Archive); ok {
		p.archive = a
	}
	deps.Player = discordPlayer{p: p}
	p.deps = deps
	p.SetAllowedUsers(cfg.AllowedUserIDs)
	mgr.AddDestroyHook(p.sessionDestroyed)
	p.startWorkers()
	return p
}

func (p *Processor) startWorkers() {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case pkt := <-p.opusCh:
				p.handleOpusPacket(pkt)
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case text := <-p.posts:
				p.sendMessage(text)
			}
		}
	}()
	logging.Infow("Processor: background workers started")
}

// SetAllowedUsers configures an explicit allow-list of user IDs. When the
// allowlist is non-empty, frames from other users are dropped before
// decoding. An empty slice clears it.
func (p *Processor) SetAllowedUsers(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowlist = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			p.allowlist[id] = struct{}{}
		}
	}
	logging.Infow("Processor: SetAllowedUsers", "count", len(p.allowlist))
}

// SetOutput directs playback to out.
func (p *Processor) SetOutput(out VoiceOutput) {
	p.mu.Lock()
	p.out = out
	p.mu.Unlock()
}

// Attach wires a joined voice connection: speaking updates, receive loop
// and playback.
func (p *Processor) Attach(vc *discordgo.VoiceConnection) {
	p.SetOutput(connOutput{vc: vc})
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		p.HandleSpeakingUpdate(su)
	})
	p.Receive(vc.OpusRecv)
}

// Receive consumes packets until ch is closed or the processor stops.
func (p *Processor) Receive(ch <-chan *discordgo.Packet) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case pkt, ok := <-ch:
				if !ok {
					return
				}
				if pkt == nil {
					continue
				}
				p.ProcessOpusFrame(pkt.SSRC, pkt.Opus)
			}
		}
	}()
}

// HandleSpeakingUpdate maps the SSRC of a speaking update to its user.
func (p *Processor) HandleSpeakingUpdate(su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	p.mu.Lock()
	p.ssrcMap[uint32(su.SSRC)] = su.UserID
	p.mu.Unlock()
	logging.Infow("Processor: mapped SSRC -> user", "ssrc", su.SSRC, "user_id", su.UserID, "speaking", su.Speaking)
}

// HandleVoiceState ends the session of a user who left the voice channel.
func (p *Processor) HandleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID != p.cfg.GuildID {
		return
	}
	if vs.ChannelID == p.cfg.VoiceChannelID {
		logging.Debugw("Processor: voice state update", "user_id", vs.UserID, "channel_id", vs.ChannelID)
		return
	}
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()
	if closed {
		return
	}
	go func() {
		defer p.wg.Done()
		p.endSpeaker(vs.UserID)
	}()
}

func (p *Processor) allowed(uid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.allowlist) == 0 {
		return true
	}
	_, ok := p.allowlist[uid]
	return ok
}

// ProcessOpusFrame queues one encoded frame. It never blocks the receive
// loop: a full queue drops the frame.
func (p *Processor) ProcessOpusFrame(ssrc uint32, payload []byte) {
	p.mu.Lock()
	uid := p.ssrcMap[ssrc]
	p.mu.Unlock()
	if uid != "" && !p.allowed(uid) {
		return
	}

	select {
	case p.opusCh <- opusPacket{ssrc: ssrc, data: append([]byte(nil), payload...), arrived: time.Now()}:
		atomic.AddInt64(&p.enqueueCount, 1)
	default:
		atomic.AddInt64(&p.dropQueueCount, 1)
		logging.Warnw("dropping opus frame; queue full", "ssrc", ssrc)
	}
}

func (p *Processor) handleOpusPacket(pkt opusPacket) {
	p.mu.Lock()
	uid := p.ssrcMap[pkt.ssrc]
	p.mu.Unlock()
	if uid == "" {
		atomic.AddInt64(&p.unknownCount, 1)
		logging.Debugw("dropping opus frame from unknown user", "ssrc", pkt.ssrc)
		return
	}
	if !p.allowed(uid) {
		return
	}
	sp, err := p.speakerFor(uid)
	if err != nil {
		atomic.AddInt64(&p.decodeErrCount, 1)
		logging.Debugw("Processor: no session for speaker", "user_id", uid, "err", err)
		return
	}

	n, err := sp.dec.Decode(pkt.data, sp.pcm)
	if err != nil {
		atomic.AddInt64(&p.decodeErrCount, 1)
		logging.Errorw("opus decode error", "ssrc", pkt.ssrc, "err", err)
		return
	}
	stereo := audio.SamplesToBytes(sp.pcm[:n*discordChannels])
	mono := audio.ToCanonical(stereo, discordRate, discordChannels, p.cfg.Pipeline.SampleRate)
	sp.seq++
	err = sp.orch.HandleChunk(audio.Chunk{
		PCM:        audio.SamplesToBytes(mono),
		SampleRate: p.cfg.Pipeline.SampleRate,
		Seq:        sp.seq,
		Arrived:    pkt.arrived,
	})
	if errors.Is(err, pipeline.ErrEnded) {
		logging.Debugw("Processor: frame for ended session", "user_id", uid)
	}
}

func (p *Processor) speakerFor(uid string) (*speaker, error) {
	p.mu.Lock()
	sp, ok := p.speakers[uid]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, pipeline.ErrEnded
	}
	if ok {
		return sp, nil
	}

	// only the decode worker creates speakers, so nothing races us here
	dec, err := p.codec.NewDecoder()
	if err != nil {
		return nil, err
	}
	name := p.resolver.UserName(uid)
	if name == "" {
		name = uid
	}
	sess := p.mgr.Create(map[string]string{
		"source":   "discord",
		"user_id":  uid,
		"guild_id": p.cfg.GuildID,
	})
	sp = &speaker{
		userID: uid,
		name:   name,
		sess:   sess,
		dec:    dec,
		pcm:    make([]int16, 6*frameSize*discordChannels),
	}
	sp.orch = pipeline.New(p.ctx, p.cfg.Pipeline, p.deps, sess, p.sinkFor(sp))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.mgr.Destroy(sess.ID)
		return nil, pipeline.ErrEnded
	}
	p.speakers[uid] = sp
	p.mu.Unlock()
	logging.Infow("Processor: session started for speaker", append(logging.UserFields(uid, name), "session_id", sess.ID)...)
	return sp, nil
}

func (p *Processor) sinkFor(sp *speaker) pipeline.Sink {
	return pipeline.SinkFunc(func(e pipeline.Event) {
		switch ev := e.(type) {
		case pipeline.Transcription:
			p.post(fmt.Sprintf("**%s**: %s", sp.name, ev.Text))
		case pipeline.TextOutput:
			p.post(ev.Text)
		case pipeline.ErrorEvent:
			logging.Warnw("Processor: pipeline error", "user_id", sp.userID, "stage", ev.Stage, "err", ev.Message)
		case pipeline.Interrupted:
			logging.Infow("Processor: reply interrupted", "user_id", sp.userID)
		}
	})
}

func (p *Processor) post(text string) {
	if p.messages == nil || p.cfg.TextChannelID == "" || text == "" {
		return
	}
	select {
	case p.posts <- text:
	default:
		logging.Warnw("Processor: text post queue full, dropping message")
	}
}

// Discord rejects messages longer than this.
const maxMessageLen = 2000

func (p *Processor) sendMessage(text string) {
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen-1]) + "…"
	}
	if _, err := p.messages.ChannelMessageSend(p.cfg.TextChannelID, text); err != nil {
		logging.Warnw("Processor: failed to post message", "channel_id", p.cfg.TextChannelID, "err", err)
	}
}

func (p *Processor) endSpeaker(uid string) {
	p.mu.Lock()
	sp, ok := p.speakers[uid]
	delete(p.speakers, uid)
	for ssrc, u := range p.ssrcMap {
		if u == uid {
			delete(p.ssrcMap, ssrc)
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	if err := sp.orch.End(ctx); err != nil {
		logging.Warnw("Processor: session end timed out", "user_id", uid, "err", err)
	}
	_ = p.mgr.Destroy(sp.sess.ID)
}

// sessionDestroyed forgets a speaker whose session was destroyed outside the
// processor, e.g. by the idle reaper. The next frame starts a fresh one.
func (p *Processor) sessionDestroyed(info session.Info) {
	uid := info.Labels["user_id"]
	if uid == "" {
		return
	}
	p.mu.Lock()
	sp, ok := p.speakers[uid]
	if ok && sp.sess.ID == info.ID {
		delete(p.speakers, uid)
	} else {
		ok = false
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	logging.Infow("Processor: speaker session expired", append(logging.UserFields(uid, sp.name), "session_id", info.ID)...)
	sp.orch.Abort()
}

type ProcessorStats struct {
	Enqueued     int64 `json:"enqueued"`
	Dropped      int64 `json:"dropped"`
	DecodeErrors int64 `json:"decode_errors"`
	UnknownSSRC  int64 `json:"unknown_ssrc"`
	Speakers     int   `json:"speakers"`
}

func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	n := len(p.speakers)
	p.mu.Unlock()
	return ProcessorStats{
		Enqueued:     atomic.LoadInt64(&p.enqueueCount),
		Dropped:      atomic.LoadInt64(&p.dropQueueCount),
		DecodeErrors: atomic.LoadInt64(&p.decodeErrCount),
		UnknownSSRC:  atomic.LoadInt64(&p.unknownCount),
		Speakers:     n,
	}
}

// Close ends every speaker's session, flushing trailing utterances, then
// stops the workers.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	speakers := make([]*speaker, 0, len(p.speakers))
	for _, sp := range p.speakers {
		speakers = append(speakers, sp)
	}
	p.speakers = make(map[string]*speaker)
	p.mu.Unlock()

	var errs []error
	for _, sp := range speakers {
		if err := sp.orch.End(ctx); err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", sp.sess.ID, err))
		}
		_ = p.mgr.Destroy(sp.sess.ID)
	}
	p.cancel()
	p.wg.Wait()
	st := p.Stats()
	logging.Infow("Processor: closed", "enqueued", st.Enqueued, "dropped", st.Dropped,
		"decode_errors", st.DecodeErrors, "unknown_ssrc", st.UnknownSSRC)
	return errors.Join(errs...)
}
