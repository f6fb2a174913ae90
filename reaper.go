package main

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Inactivity Reaper
// ===========================

func init() {
	RegisterDaemon(LogReaper, startReaperDaemon)
}

func startReaperDaemon(ctx context.Context) (bool, func(), func()) {
	if GlobalConfig == nil || !GlobalConfig.MusicReaperEnabled {
		return false, nil, nil
	}
	stop := make(chan struct{})
	run := func() { reaperLoop(ctx, stop) }
	shutdown := func() { close(stop) }
	return true, run, shutdown
}

// reaperLoop sweeps every active player on a fixed period. A player that
// is idle or playing to an empty channel collects strikes; on the third
// consecutive strike it is killed and its guild is flagged for reload so
// playback resumes where it left off when someone comes back.
func reaperLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(GlobalConfig.MusicReaperPeriod)
	defer ticker.Stop()

	strikes := make(map[snowflake.ID]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			reaperSweep(strikes)
		}
	}
}

func reaperSweep(strikes map[snowflake.ID]int) {
	m := Music()
	live := make(map[snowflake.ID]bool)

	for _, guildID := range m.Guilds() {
		live[guildID] = true
		player, ok := m.GetPlayer(guildID)
		if !ok {
			continue
		}

		if playerHasAudience(m, player) {
			if strikes[guildID] > 0 {
				LogReaper("Guild %s is active again, clearing %d strikes", guildID, strikes[guildID])
			}
			delete(strikes, guildID)
			continue
		}

		strikes[guildID]++
		LogReaper("Guild %s idle, strike %d/%d", guildID, strikes[guildID], GlobalConfig.MusicReaperStrikes)
		if strikes[guildID] < GlobalConfig.MusicReaperStrikes {
			continue
		}

		delete(strikes, guildID)
		reapPlayer(m, guildID)
	}

	// Guilds whose players went away between sweeps.
	for guildID := range strikes {
		if !live[guildID] {
			delete(strikes, guildID)
		}
	}
}

// playerHasAudience reports whether the player deserves to stay alive:
// someone eligible is listening and playback is not sitting stopped.
func playerHasAudience(m *MusicManager, player *Player) bool {
	if player.State() == PlayerStopped && player.Playlist.Len() == 0 {
		return false
	}
	return m.EligibleListeners(player.GuildID) > 0
}

// reapPlayer kills the guild's player and marks it for resume. The kill
// persists the interrupted entry with its progress, so the reload set plus
// the durable queue is everything a restart needs.
func reapPlayer(m *MusicManager, guildID snowflake.ID) {
	LogReaper("Reaping player in guild %s", guildID)

	if Rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := Rdb.SAdd(ctx, "music:reload", guildID.String()).Err(); err != nil {
			LogReaper("Failed to flag guild %s for reload: %v", guildID, err)
		}
		cancel()
	}
	m.ClosePlayer(guildID)
}
