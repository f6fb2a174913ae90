package main

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Voice Sink
// ===========================

var (
	opusSilence     = []byte{0xf8, 0xff, 0xfe}
	silenceDuration = 1 * time.Second
)

// VoiceSink is where a player sends audio. The production sink drives a
// Discord voice connection; tests substitute an in-memory fake.
type VoiceSink interface {
	// Play starts the entry and calls onFinish exactly once when output
	// ends, whether it drained, was stopped, or failed.
	Play(ctx context.Context, entry *QueueEntry, onFinish func(error)) error
	Stop()
	Pause()
	Resume()
	SetVolume(percent int)
	// Progress reports output time since the current entry started,
	// excluding any offset the entry was started from.
	Progress() time.Duration
	Close()
}

// ===========================
// Frame Provider
// ===========================

// frameProvider buffers encoded frames between the transcoder and the
// voice gateway's pull loop. A nil frame from the transcoder switches it
// into draining: a second of silence, then EOF.
type frameProvider struct {
	frames        chan []byte
	ctx           context.Context
	sink          *discordSink
	onFinish      func()
	once          sync.Once
	frameCount    atomic.Int64
	draining      bool
	silenceFrames int
}

func newFrameProvider(ctx context.Context, sink *discordSink) *frameProvider {
	return &frameProvider{
		frames: make(chan []byte, 100),
		ctx:    ctx,
		sink:   sink,
	}
}

func (p *frameProvider) finish() {
	p.once.Do(func() {
		if p.onFinish != nil {
			p.onFinish()
		}
	})
}

func (p *frameProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	p.sink.pauseMu.RLock()
	pauseChan := p.sink.pauseChan
	p.sink.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.ctx.Done():
		p.finish()
		return nil, io.EOF
	}

	if p.draining {
		target := int(silenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return opusSilence, nil
		}
		p.finish()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return opusSilence, nil
		}
		p.frameCount.Add(1)
		return f, nil
	case <-p.ctx.Done():
		p.finish()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return opusSilence, nil
	}
}

func (p *frameProvider) Close() { p.finish() }

// Played converts consumed frames into output time, 20ms per frame.
func (p *frameProvider) Played() time.Duration {
	return time.Duration(p.frameCount.Load()) * 20 * time.Millisecond
}

// ===========================
// Discord Sink
// ===========================

// discordSink plays entries into one guild's voice channel.
type discordSink struct {
	guildID snowflake.ID
	client  *bot.Client
	conn    voice.Conn

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu         sync.Mutex
	channelID  snowflake.ID
	joined     bool
	provider   *frameProvider
	transcoder *opusTranscoder
	playCancel context.CancelFunc
	closed     bool

	pauseMu   sync.RWMutex
	pauseChan chan struct{} // closed while output runs

	volume atomic.Int32
}

func NewDiscordSink(client *bot.Client, guildID snowflake.ID) *discordSink {
	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	close(running)
	sk := &discordSink{
		guildID:    guildID,
		client:     client,
		conn:       client.VoiceManager.CreateConn(guildID),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		pauseChan:  running,
	}
	sk.volume.Store(100)
	return sk
}

// Join connects the sink to a voice channel, retrying with backoff since
// gateway voice handshakes fail transiently.
func (sk *discordSink) Join(ctx context.Context, channelID snowflake.ID) error {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return errors.New("sink is closed")
	}
	if sk.joined && sk.channelID == channelID {
		sk.mu.Unlock()
		return nil
	}
	sk.mu.Unlock()

	LogMusic("Joining channel %s in guild %s", channelID, sk.guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			LogMusic("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sk.conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		LogMusic("Failed to connect to voice in guild %s after 5 attempts: %v", sk.guildID, lastErr)
		sk.conn.Close(ctx)
		return lastErr
	}

	sk.mu.Lock()
	sk.joined = true
	sk.channelID = channelID
	sk.mu.Unlock()
	return nil
}

// ChannelID returns the connected channel, or zero when not joined.
func (sk *discordSink) ChannelID() snowflake.ID {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if !sk.joined {
		return 0
	}
	return sk.channelID
}

func (sk *discordSink) Play(ctx context.Context, entry *QueueEntry, onFinish func(error)) error {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return errors.New("sink is closed")
	}
	if !sk.joined {
		sk.mu.Unlock()
		return errors.New("not connected to a voice channel")
	}
	if sk.playCancel != nil {
		sk.playCancel()
	}
	playCtx, cancel := context.WithCancel(sk.lifeCtx)
	sk.playCancel = cancel
	p := newFrameProvider(playCtx, sk)
	sk.provider = p
	sk.mu.Unlock()

	var errMu sync.Mutex
	var playErr error
	setErr := func(err error) {
		errMu.Lock()
		if playErr == nil {
			playErr = err
		}
		errMu.Unlock()
	}

	finished := make(chan struct{})
	p.onFinish = func() { close(finished) }

	safeGo(func() {
		defer p.PushFrame(nil)
		tr := newOpusTranscoder(&sk.volume)
		defer tr.Close()

		if err := tr.OpenInput(entry.PlayableLocation(), nil); err != nil {
			setErr(err)
			return
		}
		if err := tr.SetupDecoder(); err != nil {
			setErr(err)
			return
		}
		if err := tr.SetupEncoder(); err != nil {
			setErr(err)
			return
		}

		sk.mu.Lock()
		sk.transcoder = tr
		sk.mu.Unlock()
		defer func() {
			sk.mu.Lock()
			if sk.transcoder == tr {
				sk.transcoder = nil
			}
			sk.mu.Unlock()
		}()

		var startAt time.Duration
		if entry.Seekable() {
			startAt = entry.SeekOffset()
		}
		if err := tr.Transcode(playCtx, startAt, p.PushFrame); err != nil && playCtx.Err() == nil {
			setErr(err)
		}
	})

	sk.setProviderSafe(p)
	sk.setSpeakingSafe(voice.SpeakingFlagMicrophone)

	safeGo(func() {
		select {
		case <-finished:
		case <-playCtx.Done():
		}
		cancel()

		sk.mu.Lock()
		mine := sk.provider == p
		if mine {
			sk.provider = nil
		}
		sk.mu.Unlock()
		if mine {
			sk.setProviderSafe(nil)
			sk.setSpeakingSafe(0)
		}

		errMu.Lock()
		err := playErr
		errMu.Unlock()
		onFinish(err)
	})
	return nil
}

// Stop aborts the current entry; its finish callback still fires.
func (sk *discordSink) Stop() {
	sk.mu.Lock()
	cancel := sk.playCancel
	sk.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	sk.Resume() // a paused provider must unblock to observe the stop
}

func (sk *discordSink) Pause() {
	sk.pauseMu.Lock()
	defer sk.pauseMu.Unlock()
	select {
	case <-sk.pauseChan:
		sk.pauseChan = make(chan struct{})
	default:
	}
}

func (sk *discordSink) Resume() {
	sk.pauseMu.Lock()
	defer sk.pauseMu.Unlock()
	select {
	case <-sk.pauseChan:
	default:
		close(sk.pauseChan)
	}
}

func (sk *discordSink) SetVolume(percent int) {
	sk.volume.Store(int32(percent))
}

func (sk *discordSink) Progress() time.Duration {
	sk.mu.Lock()
	p := sk.provider
	sk.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Played()
}

func (sk *discordSink) Close() {
	sk.mu.Lock()
	if sk.closed {
		sk.mu.Unlock()
		return
	}
	sk.closed = true
	sk.joined = false
	cancel := sk.playCancel
	sk.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sk.Resume()
	sk.lifeCancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	sk.conn.Close(ctx)
}

// setProviderSafe survives the gateway tearing the connection down under
// us mid-call.
func (sk *discordSink) setProviderSafe(provider voice.OpusFrameProvider) {
	if sk.lifeCtx.Err() != nil && provider != nil {
		return
	}
	if sk.conn == nil || (reflect.ValueOf(sk.conn).Kind() == reflect.Ptr && reflect.ValueOf(sk.conn).IsNil()) {
		return
	}
	for i := range 3 {
		if sk.trySetProvider(provider) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogMusic("Exhausted retries for SetOpusFrameProvider in guild %s", sk.guildID)
}

func (sk *discordSink) trySetProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	sk.conn.SetOpusFrameProvider(provider)
	return true
}

func (sk *discordSink) setSpeakingSafe(flags voice.SpeakingFlags) {
	if sk.conn == nil || (reflect.ValueOf(sk.conn).Kind() == reflect.Ptr && reflect.ValueOf(sk.conn).IsNil()) {
		return
	}
	for i := range 3 {
		if sk.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogMusic("Exhausted retries for SetSpeaking in guild %s", sk.guildID)
}

func (sk *discordSink) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sk.conn.SetSpeaking(ctx, flags)
	return true
}
