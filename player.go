package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Player States
// ===========================

type PlayerState int32

const (
	PlayerStopped PlayerState = iota
	PlayerPlaying
	PlayerPaused
	PlayerDead
)

func (s PlayerState) String() string {
	switch s {
	case PlayerStopped:
		return "stopped"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerDead:
		return "dead"
	}
	return "unknown"
}

var ErrPlayerDead = errors.New("player is dead")

// ===========================
// Skip Voting
// ===========================

// SkipConfig tunes how many listeners must vote before a song is skipped.
// Eligible filters which channel occupants count toward the threshold;
// a nil predicate counts everyone CountListeners reports.
type SkipConfig struct {
	MinSkips       int
	Ratio          float64
	CountListeners func(guildID snowflake.ID) int
}

func (c SkipConfig) threshold(guildID snowflake.ID) int {
	listeners := 0
	if c.CountListeners != nil {
		listeners = c.CountListeners(guildID)
	}
	byRatio := int(math.Round(float64(listeners) * c.Ratio))
	needed := c.MinSkips
	if byRatio < needed {
		needed = byRatio
	}
	if needed < 1 {
		needed = 1
	}
	return needed
}

type skipState struct {
	voters map[snowflake.ID]struct{}
}

func (s *skipState) reset() {
	s.voters = nil
}

// toggle records or retracts a vote and reports whether it now stands.
func (s *skipState) toggle(userID snowflake.ID) bool {
	if s.voters == nil {
		s.voters = make(map[snowflake.ID]struct{})
	}
	if _, ok := s.voters[userID]; ok {
		delete(s.voters, userID)
		return false
	}
	s.voters[userID] = struct{}{}
	return true
}

// ===========================
// Player
// ===========================

// Player drives one guild's playback: it pulls ready entries off the
// playlist, feeds them to the voice sink, and advances when the sink
// reports the entry finished. Blocking work never happens under the lock.
type Player struct {
	GuildID  snowflake.ID
	Playlist *Playlist

	sink    VoiceSink
	skipCfg SkipConfig

	mu        sync.Mutex
	state     PlayerState
	current   *QueueEntry
	skip      skipState
	advancing bool
	advCancel context.CancelFunc
	stopSeq   uint64

	// Observers fire off the caller's goroutine, outside the lock.
	OnPlay        func(e *QueueEntry)
	OnStateChange func(old, new PlayerState)
	OnError       func(e *QueueEntry, err error)
}

func NewPlayer(guildID snowflake.ID, pl *Playlist, sink VoiceSink, skipCfg SkipConfig) *Player {
	return &Player{
		GuildID:  guildID,
		Playlist: pl,
		sink:     sink,
		skipCfg:  skipCfg,
	}
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsActive reports whether a song is currently loaded, playing or paused.
func (p *Player) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && (p.state == PlayerPlaying || p.state == PlayerPaused)
}

// Current returns the entry being played, or nil.
func (p *Player) Current() *QueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Player) setStateLocked(next PlayerState) {
	if p.state == next {
		return
	}
	prev := p.state
	p.state = next
	if p.OnStateChange != nil {
		cb := p.OnStateChange
		safeGo(func() { cb(prev, next) })
	}
}

// ===========================
// Playback Control
// ===========================

// Play starts consuming the queue. Resumes if paused, no-ops if already
// playing, and fails once the player is dead.
func (p *Player) Play() error {
	p.mu.Lock()
	switch p.state {
	case PlayerDead:
		p.mu.Unlock()
		return ErrPlayerDead
	case PlayerPaused:
		p.mu.Unlock()
		return p.Resume()
	case PlayerPlaying:
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	safeGo(p.advance)
	return nil
}

// advance pulls the next ready entry and starts it. The playlist wait can
// block for as long as a download takes, so it runs without the lock and
// with a cancel hook that Kill can fire.
func (p *Player) advance() {
	p.mu.Lock()
	if p.state == PlayerDead || p.advancing {
		p.mu.Unlock()
		return
	}
	p.advancing = true
	seq := p.stopSeq
	ctx, cancel := context.WithCancel(context.Background())
	p.advCancel = cancel
	p.mu.Unlock()

	entry, err := p.Playlist.GetNextEntry(ctx)

	// A Stop or Kill that landed during the wait wins: the entry goes
	// back to the queue head instead of starting.
	p.mu.Lock()
	p.advancing = false
	p.advCancel = nil
	halted := p.state == PlayerDead || p.stopSeq != seq
	p.mu.Unlock()
	cancel()

	if halted {
		if entry != nil {
			p.Playlist.PushFront(entry)
		}
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			LogMusic("Failed to fetch next entry for guild %d: %v", p.GuildID, err)
		}
		p.mu.Lock()
		p.setStateLocked(PlayerStopped)
		p.mu.Unlock()
		return
	}
	if entry == nil {
		p.mu.Lock()
		p.current = nil
		p.setStateLocked(PlayerStopped)
		p.mu.Unlock()
		return
	}
	p.startEntry(entry)
}

func (p *Player) startEntry(entry *QueueEntry) {
	p.mu.Lock()
	if p.state == PlayerDead {
		p.mu.Unlock()
		p.Playlist.PushFront(entry)
		return
	}
	p.current = entry
	p.skip.reset()
	p.setStateLocked(PlayerPlaying)
	sink := p.sink
	p.mu.Unlock()

	p.Playlist.RecordPlayed(entry.SourceRef)
	if p.OnPlay != nil && !entry.Quiet() {
		cb := p.OnPlay
		safeGo(func() { cb(entry) })
	}

	if err := sink.Play(context.Background(), entry, func(playErr error) {
		p.onFinished(entry, playErr)
	}); err != nil {
		p.onFinished(entry, err)
	}
}

// onFinished is the sink's completion callback. It fires once per entry,
// whether the song drained, was stopped, or failed to start. A player that
// was explicitly stopped or killed stays put instead of advancing.
func (p *Player) onFinished(entry *QueueEntry, playErr error) {
	p.mu.Lock()
	if p.current == entry {
		p.current = nil
	}
	halted := p.state == PlayerDead || p.state == PlayerStopped
	p.mu.Unlock()

	if playErr != nil {
		LogMusic("Playback of %s ended with error: %v", entry.Title(), playErr)
		if p.OnError != nil {
			cb := p.OnError
			safeGo(func() { cb(entry, playErr) })
		}
	}
	if halted {
		return
	}
	safeGo(p.advance)
}

// Pause suspends output.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PlayerDead:
		return ErrPlayerDead
	case PlayerPlaying:
		p.sink.Pause()
		p.setStateLocked(PlayerPaused)
		return nil
	case PlayerPaused:
		return nil
	}
	return CommandErrorf("nothing is playing")
}

// Resume continues paused output.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PlayerDead:
		return ErrPlayerDead
	case PlayerPaused:
		p.sink.Resume()
		p.setStateLocked(PlayerPlaying)
		return nil
	case PlayerPlaying:
		return nil
	}
	return CommandErrorf("nothing is paused")
}

// Skip abandons the current entry. The sink's finish callback advances to
// the next one; if nothing is active this forces an advance directly.
func (p *Player) Skip() {
	p.mu.Lock()
	active := p.current != nil && (p.state == PlayerPlaying || p.state == PlayerPaused)
	dead := p.state == PlayerDead
	p.mu.Unlock()
	if dead {
		return
	}
	if active {
		p.sink.Stop()
		return
	}
	safeGo(p.advance)
}

// VoteSkip toggles a listener's skip vote and skips when the threshold is
// met. Returns whether the skip fired, the standing vote count, and how
// many votes the song needs.
func (p *Player) VoteSkip(userID snowflake.ID) (skipped bool, votes, needed int, err error) {
	p.mu.Lock()
	if p.state == PlayerDead {
		p.mu.Unlock()
		return false, 0, 0, ErrPlayerDead
	}
	if p.current == nil {
		p.mu.Unlock()
		return false, 0, 0, CommandErrorf("nothing is playing")
	}
	p.skip.toggle(userID)
	votes = len(p.skip.voters)
	p.mu.Unlock()

	needed = p.skipCfg.threshold(p.GuildID)
	if votes >= needed {
		p.Skip()
		return true, votes, needed, nil
	}
	return false, votes, needed, nil
}

// Seek restarts the current entry from offset. The entry goes back to the
// queue head carrying the offset, then output stops so the normal finish
// path picks it up again without announcing it a second time.
func (p *Player) Seek(offset time.Duration) error {
	p.mu.Lock()
	entry := p.current
	active := entry != nil && (p.state == PlayerPlaying || p.state == PlayerPaused)
	p.mu.Unlock()

	if !active {
		return CommandErrorf("nothing is playing")
	}
	if !entry.Seekable() {
		return CommandErrorf("cannot seek within a stream")
	}
	if d := entry.Duration(); offset < 0 || (d > 0 && offset > d) {
		return CommandErrorf("seek target is outside the song")
	}

	entry.RequeueAt(offset)
	p.Playlist.PushFront(entry)
	p.sink.Stop()
	return nil
}

// Stop halts output and discards the current entry.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == PlayerDead {
		p.mu.Unlock()
		return
	}
	p.stopSeq++
	active := p.current != nil && (p.state == PlayerPlaying || p.state == PlayerPaused)
	p.current = nil
	p.setStateLocked(PlayerStopped)
	p.mu.Unlock()
	if active {
		p.sink.Stop()
	}
}

// Kill tears the player down permanently. An interrupted entry is written
// back as the only durable queue element, carrying its elapsed progress so
// a later restore resumes mid-song.
func (p *Player) Kill() {
	p.mu.Lock()
	if p.state == PlayerDead {
		p.mu.Unlock()
		return
	}
	entry := p.current
	p.current = nil
	cancel := p.advCancel
	p.setStateLocked(PlayerDead)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if entry != nil {
		offset := time.Duration(0)
		if entry.Seekable() {
			offset = entry.SeekOffset() + p.sink.Progress()
		}
		entry.RequeueAt(offset)
		p.Playlist.PersistSolo(entry)
	}
	p.sink.Close()
	p.Playlist.Close()
}

// SetVolume adjusts output gain as a percentage.
func (p *Player) SetVolume(percent int) error {
	if p.State() == PlayerDead {
		return ErrPlayerDead
	}
	if percent < 1 || percent > 150 {
		return CommandErrorf("volume must be between 1 and 150")
	}
	p.sink.SetVolume(percent)
	return nil
}

// Progress returns how far into the current entry playback is, including
// any seek offset it started from.
func (p *Player) Progress() time.Duration {
	p.mu.Lock()
	entry := p.current
	p.mu.Unlock()
	if entry == nil {
		return 0
	}
	return entry.SeekOffset() + p.sink.Progress()
}

// Remaining returns the unplayed portion of the current entry. Streams
// have no known end and report zero.
func (p *Player) Remaining() time.Duration {
	p.mu.Lock()
	entry := p.current
	p.mu.Unlock()
	if entry == nil || entry.IsStream || entry.Duration() <= 0 {
		return 0
	}
	left := entry.Duration() - (entry.SeekOffset() + p.sink.Progress())
	if left < 0 {
		return 0
	}
	return left
}
