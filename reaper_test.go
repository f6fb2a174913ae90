package main

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withReaperConfig(t *testing.T, enabled bool) {
	t.Helper()
	prev := GlobalConfig
	GlobalConfig = &Config{
		MusicReaperEnabled: enabled,
		MusicReaperPeriod:  time.Minute,
		MusicReaperStrikes: 3,
	}
	t.Cleanup(func() { GlobalConfig = prev })
}

// installPlayer drops a player into the manager the way Summon would,
// minus the voice connection.
func installPlayer(t *testing.T, guildID snowflake.ID, p *Player, pl *Playlist) *MusicManager {
	t.Helper()
	m := Music()
	m.mu.Lock()
	m.players[guildID] = &guildPlayer{player: p, playlist: pl}
	m.mu.Unlock()
	t.Cleanup(func() {
		m.mu.Lock()
		delete(m.players, guildID)
		m.mu.Unlock()
	})
	return m
}

func TestStartReaperDaemon_Gating(t *testing.T) {
	withReaperConfig(t, false)
	enabled, _, _ := startReaperDaemon(context.Background())
	assert.False(t, enabled)

	withReaperConfig(t, true)
	enabled, run, shutdown := startReaperDaemon(context.Background())
	assert.True(t, enabled)
	require.NotNil(t, run)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestReaperSweep_StrikesThenReaps(t *testing.T) {
	withReaperConfig(t, true)

	prevRdb := Rdb
	_, Rdb = newTestRedis(t)
	t.Cleanup(func() { Rdb = prevRdb })

	guildID := snowflake.ID(2222)
	pl := newTestPlaylist(t, refResolver(nil))
	p := NewPlayer(guildID, pl, &fakeSink{}, SkipConfig{MinSkips: 4, Ratio: 0.5})
	m := installPlayer(t, guildID, p, pl)

	strikes := make(map[snowflake.ID]int)

	// An idle player collects strikes without being touched.
	reaperSweep(strikes)
	assert.Equal(t, 1, strikes[guildID])
	reaperSweep(strikes)
	assert.Equal(t, 2, strikes[guildID])
	_, alive := m.GetPlayer(guildID)
	assert.True(t, alive)
	assert.NotEqual(t, PlayerDead, p.State())

	// The third strike kills it and flags the guild for reload.
	reaperSweep(strikes)
	assert.NotContains(t, strikes, guildID)
	_, alive = m.GetPlayer(guildID)
	assert.False(t, alive)
	assert.Equal(t, PlayerDead, p.State())

	flagged, err := Rdb.SMembers(context.Background(), "music:reload").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{guildID.String()}, flagged)
}

func TestReaperSweep_ForgetsDepartedGuilds(t *testing.T) {
	withReaperConfig(t, true)

	strikes := map[snowflake.ID]int{snowflake.ID(3333): 2}
	reaperSweep(strikes)
	assert.Empty(t, strikes, "strikes for guilds without players are dropped")
}

func TestPlayerHasAudience(t *testing.T) {
	guildID := snowflake.ID(4444)
	pl := newTestPlaylist(t, refResolver(nil))
	p := NewPlayer(guildID, pl, &fakeSink{}, SkipConfig{MinSkips: 4, Ratio: 0.5})
	m := installPlayer(t, guildID, p, pl)

	assert.False(t, playerHasAudience(m, p), "stopped with an empty queue")

	_, _, err := pl.AddEntry(context.Background(), "https://x/a", nil, 0, false, false)
	require.NoError(t, err)
	assert.False(t, playerHasAudience(m, p), "queued but nobody in the channel")
}

func TestReapPlayer_PersistsInterruptedEntry(t *testing.T) {
	withReaperConfig(t, true)

	prevRdb := Rdb
	_, Rdb = newTestRedis(t)
	t.Cleanup(func() { Rdb = prevRdb })

	guildID := snowflake.ID(5555)
	pl := newTestPlaylist(t, refResolver(nil))
	_, _, err := pl.AddEntry(context.Background(), "https://x/a", nil, 0, false, false)
	require.NoError(t, err)

	sink := &fakeSink{}
	p := NewPlayer(guildID, pl, sink, SkipConfig{MinSkips: 4, Ratio: 0.5})
	m := installPlayer(t, guildID, p, pl)

	require.NoError(t, p.Play())
	waitForPlaying(t, p)
	sink.mu.Lock()
	sink.progress = 12 * time.Second
	sink.mu.Unlock()

	reapPlayer(m, guildID)

	assert.Equal(t, PlayerDead, p.State())
	titles := queuedTitles(t, pl)
	require.Equal(t, []string{"https://x/a"}, titles)

	raw, err := pl.rdb.LRange(context.Background(), pl.queueKey(), 0, -1).Result()
	require.NoError(t, err)
	got, err := DecodeEntry([]byte(raw[0]))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, got.SeekOffset())

	flagged, err := Rdb.SIsMember(context.Background(), "music:reload", guildID.String()).Result()
	require.NoError(t, err)
	assert.True(t, flagged)
}
