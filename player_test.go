package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink satisfies VoiceSink without touching the gateway. Playback sits
// open until the test calls finish or something stops it.
type fakeSink struct {
	mu       sync.Mutex
	current  *QueueEntry
	onFinish func(error)
	plays    int
	paused   bool
	volume   int
	progress time.Duration
	closed   bool
	playErr  error
}

func (s *fakeSink) Play(ctx context.Context, entry *QueueEntry, onFinish func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.plays++
	s.current = entry
	s.onFinish = onFinish
	return nil
}

func (s *fakeSink) finish(err error) {
	s.mu.Lock()
	fin := s.onFinish
	s.onFinish = nil
	s.current = nil
	s.mu.Unlock()
	if fin != nil {
		fin(err)
	}
}

func (s *fakeSink) Stop()   { s.finish(nil) }
func (s *fakeSink) Pause()  { s.mu.Lock(); s.paused = true; s.mu.Unlock() }
func (s *fakeSink) Resume() { s.mu.Lock(); s.paused = false; s.mu.Unlock() }

func (s *fakeSink) SetVolume(percent int) {
	s.mu.Lock()
	s.volume = percent
	s.mu.Unlock()
}

func (s *fakeSink) Progress() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestPlayer(t *testing.T, refs ...string) (*Player, *fakeSink) {
	t.Helper()
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"https://x/stream": {Type: mediaTypeVideo, Title: "Stream", WebpageURL: "https://x/stream", StreamURL: "https://cdn.x/live", IsLive: true},
	}))
	for _, ref := range refs {
		_, _, err := pl.AddEntry(context.Background(), ref, nil, 0, false, false)
		require.NoError(t, err)
	}
	sink := &fakeSink{}
	p := NewPlayer(testGuild, pl, sink, SkipConfig{MinSkips: 4, Ratio: 0.5})
	return p, sink
}

func waitForPlaying(t *testing.T, p *Player) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.State() == PlayerPlaying && p.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// --- State Machine ---

func TestPlayer_PlayEmptyQueue(t *testing.T) {
	p, _ := newTestPlayer(t)

	require.NoError(t, p.Play())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PlayerStopped, p.State())
	assert.Nil(t, p.Current())
}

func TestPlayer_PlaysQueuedEntry(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a", "https://x/b")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	assert.Equal(t, "https://x/a", p.Current().Title())
	assert.True(t, p.IsActive())

	// Finishing advances to the next entry.
	sink.finish(nil)
	require.Eventually(t, func() bool {
		c := p.Current()
		return c != nil && c.Title() == "https://x/b"
	}, 2*time.Second, 10*time.Millisecond)

	// Draining the queue stops the player.
	sink.finish(nil)
	require.Eventually(t, func() bool {
		return p.State() == PlayerStopped && p.Current() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlayer_PlayWhilePlayingIsNoop(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	require.NoError(t, p.Play())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.playCount())
}

func TestPlayer_PauseResume(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")

	assert.Error(t, p.Pause(), "nothing to pause yet")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)

	require.NoError(t, p.Pause())
	assert.Equal(t, PlayerPaused, p.State())
	assert.True(t, sink.paused)
	require.NoError(t, p.Pause(), "pausing twice is fine")

	// Play while paused resumes.
	require.NoError(t, p.Play())
	assert.Equal(t, PlayerPlaying, p.State())
	assert.False(t, sink.paused)

	require.NoError(t, p.Resume(), "resuming while playing is fine")
}

func TestPlayer_StateChangeObserver(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")

	transitions := make(chan PlayerState, 8)
	p.OnStateChange = func(old, new PlayerState) { transitions <- new }

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	sink.finish(nil)

	// Observers run on their own goroutines, so arrival order is loose.
	seen := make([]PlayerState, 0, 2)
	for len(seen) < 2 {
		select {
		case s := <-transitions:
			seen = append(seen, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw transitions %v", seen)
		}
	}
	assert.ElementsMatch(t, []PlayerState{PlayerPlaying, PlayerStopped}, seen)
}

func TestPlayer_PlayErrorReportsAndStops(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")
	sink.playErr = assert.AnError

	errs := make(chan error, 1)
	p.OnError = func(e *QueueEntry, err error) { errs <- err }

	require.NoError(t, p.Play())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, assert.AnError)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}
	require.Eventually(t, func() bool { return p.State() == PlayerStopped }, 2*time.Second, 10*time.Millisecond)
}

// --- Skipping ---

func TestPlayer_Skip(t *testing.T) {
	p, _ := newTestPlayer(t, "https://x/a", "https://x/b")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)

	p.Skip()
	require.Eventually(t, func() bool {
		c := p.Current()
		return c != nil && c.Title() == "https://x/b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlayer_SkipWhileStoppedAdvances(t *testing.T) {
	p, _ := newTestPlayer(t, "https://x/a")

	p.Skip()
	waitForPlaying(t, p)
	assert.Equal(t, "https://x/a", p.Current().Title())
}

func TestPlayer_VoteSkip(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	_, _, err := pl.AddEntry(context.Background(), "https://x/a", nil, 0, false, false)
	require.NoError(t, err)

	listeners := 3
	sink := &fakeSink{}
	p := NewPlayer(testGuild, pl, sink, SkipConfig{
		MinSkips:       4,
		Ratio:          0.5,
		CountListeners: func(snowflake.ID) int { return listeners },
	})

	_, _, _, err = p.VoteSkip(snowflake.ID(1))
	assert.Error(t, err, "nothing playing yet")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)

	// 3 listeners at 0.5 ratio round to 2 required votes.
	skipped, votes, needed, err := p.VoteSkip(snowflake.ID(1))
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, 1, votes)
	assert.Equal(t, 2, needed)

	// Same voter again retracts the vote.
	skipped, votes, _, err = p.VoteSkip(snowflake.ID(1))
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Zero(t, votes)

	_, _, _, err = p.VoteSkip(snowflake.ID(1))
	require.NoError(t, err)
	skipped, votes, _, err = p.VoteSkip(snowflake.ID(2))
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, 2, votes)
}

func TestSkipConfig_Threshold(t *testing.T) {
	cfg := SkipConfig{MinSkips: 4, Ratio: 0.5}
	listeners := 0
	cfg.CountListeners = func(snowflake.ID) int { return listeners }

	assert.Equal(t, 1, cfg.threshold(testGuild), "at least one vote, even in an empty room")

	listeners = 3
	assert.Equal(t, 2, cfg.threshold(testGuild))

	listeners = 50
	assert.Equal(t, 4, cfg.threshold(testGuild), "capped at the configured minimum")
}

// --- Seeking ---

func TestPlayer_Seek(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")

	assert.Error(t, p.Seek(10*time.Second), "nothing playing")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	entry := p.Current()

	assert.Error(t, p.Seek(-time.Second))
	assert.Error(t, p.Seek(2*time.Hour), "past the end of the song")

	require.NoError(t, p.Seek(30*time.Second))
	require.Eventually(t, func() bool {
		return sink.playCount() == 2 && p.Current() == entry
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 30*time.Second, entry.SeekOffset())
	assert.True(t, entry.Quiet())
	assert.Equal(t, 30*time.Second, p.Progress())

	// The exact end of the song is a valid target.
	require.NoError(t, p.Seek(entry.Duration()))
}

func TestPlayer_SeekRejectsStreams(t *testing.T) {
	p, _ := newTestPlayer(t, "https://x/stream")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	assert.Error(t, p.Seek(10*time.Second))
}

// --- Teardown ---

func TestPlayer_Kill(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a", "https://x/b")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	sink.mu.Lock()
	sink.progress = 5 * time.Second
	sink.mu.Unlock()

	p.Kill()
	assert.Equal(t, PlayerDead, p.State())
	assert.True(t, sink.isClosed())
	assert.ErrorIs(t, p.Play(), ErrPlayerDead)
	assert.ErrorIs(t, p.Pause(), ErrPlayerDead)
	assert.ErrorIs(t, p.Resume(), ErrPlayerDead)
	assert.ErrorIs(t, p.SetVolume(50), ErrPlayerDead)
	_, _, _, err := p.VoteSkip(snowflake.ID(1))
	assert.ErrorIs(t, err, ErrPlayerDead)

	// The interrupted entry is the sole durable element, carrying progress.
	titles := queuedTitles(t, p.Playlist)
	require.Equal(t, []string{"https://x/a"}, titles)

	raw, lrErr := p.Playlist.rdb.LRange(context.Background(), p.Playlist.queueKey(), 0, -1).Result()
	require.NoError(t, lrErr)
	got, decErr := DecodeEntry([]byte(raw[0]))
	require.NoError(t, decErr)
	assert.Equal(t, 5*time.Second, got.SeekOffset())

	p.Kill() // idempotent
}

func TestPlayer_KillPersistsInterruptedStream(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/stream")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	sink.mu.Lock()
	sink.progress = 42 * time.Second
	sink.mu.Unlock()

	p.Kill()

	raw, err := p.Playlist.rdb.LRange(context.Background(), p.Playlist.queueKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1, "an interrupted stream survives teardown too")
	got, err := DecodeEntry([]byte(raw[0]))
	require.NoError(t, err)
	assert.True(t, got.IsStream)
	assert.Zero(t, got.SeekOffset(), "streams resume from the top")
}

func TestPlayer_StopKeepsPlayerAlive(t *testing.T) {
	p, _ := newTestPlayer(t, "https://x/a", "https://x/b")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)

	p.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PlayerStopped, p.State())
	assert.Nil(t, p.Current(), "stop must not slide into the next song")

	// Stopped is recoverable, dead is not.
	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	assert.Equal(t, "https://x/b", p.Current().Title())
}

func TestPlayer_StopDuringQueueWaitStaysStopped(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		if download {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &MediaInfo{Type: mediaTypeVideo, Title: ref, WebpageURL: ref, Duration: time.Minute, Filename: "/tmp/x.webm"}, nil
	}}
	pl := newTestPlaylist(t, resolver)
	_, _, err := pl.AddEntry(context.Background(), "https://x/slow", nil, 0, false, false)
	require.NoError(t, err)

	sink := &fakeSink{}
	p := NewPlayer(testGuild, pl, sink, SkipConfig{MinSkips: 4, Ratio: 0.5})

	// The advance goroutine parks on the still-downloading entry.
	require.NoError(t, p.Play())
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	close(release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PlayerStopped, p.State())
	assert.Nil(t, p.Current())
	assert.Zero(t, sink.playCount(), "the stop wins over the pending advance")
	assert.Equal(t, 1, pl.Len(), "the entry goes back to the queue head")
}

func TestPlayer_AutoPlaysOnQueueAdd(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	sink := &fakeSink{}
	p := NewPlayer(testGuild, pl, sink, SkipConfig{MinSkips: 4, Ratio: 0.5})
	pl.OnAdded = func(e *QueueEntry, pos int) {
		if p.State() == PlayerStopped {
			_ = p.Play()
		}
	}

	_, _, err := pl.AddEntry(context.Background(), "https://x/a", nil, 0, false, false)
	require.NoError(t, err)
	waitForPlaying(t, p)
	assert.Equal(t, "https://x/a", p.Current().Title())

	// A paused player stays paused when more songs land.
	require.NoError(t, p.Pause())
	_, _, err = pl.AddEntry(context.Background(), "https://x/b", nil, 0, false, false)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PlayerPaused, p.State())
}

// --- Volume & Progress ---

func TestPlayer_SetVolume(t *testing.T) {
	p, sink := newTestPlayer(t)

	assert.Error(t, p.SetVolume(0))
	assert.Error(t, p.SetVolume(151))
	require.NoError(t, p.SetVolume(150))
	assert.Equal(t, 150, sink.volume)
}

func TestPlayer_Remaining(t *testing.T) {
	p, sink := newTestPlayer(t, "https://x/a")

	assert.Zero(t, p.Remaining(), "nothing loaded")

	require.NoError(t, p.Play())
	waitForPlaying(t, p)

	sink.mu.Lock()
	sink.progress = 20 * time.Second
	sink.mu.Unlock()
	assert.Equal(t, 40*time.Second, p.Remaining())

	sink.mu.Lock()
	sink.progress = 2 * time.Minute
	sink.mu.Unlock()
	assert.Zero(t, p.Remaining(), "never negative")
}
