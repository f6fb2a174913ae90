package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Setup
// ===========================

const AudioCacheDir = ".tracks"

func init() {
	// 1. Cleanup old cache on startup
	if err := os.RemoveAll(AudioCacheDir); err != nil {
		fmt.Printf("Failed to clean audio cache: %v\n", err)
	}
	// 2. Ensure cache directory exists
	if err := os.MkdirAll(AudioCacheDir, 0755); err != nil {
		fmt.Printf("Failed to create audio cache dir: %v\n", err)
	}

	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		m := Music()
		m.attach(client)

		RegisterDaemon(LogMusic, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				LogMusic("Shutting down Music Manager...")
				m.Shutdown(context.Background())
			}
		})

		RegisterVoiceStateUpdateHandler(m.onVoiceStateUpdate)
		safeGo(func() { m.resumeReloadedGuilds(ctx) })
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music System",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a song from a URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "next",
						Description: "Put the song at the front of the queue",
						Required:    false,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "stream",
						Description: "Play as a passthrough stream without downloading",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Vote to skip the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "seek",
				Description: "Jump to a position in the current song",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "position",
						Description: "Position to jump to (e.g. 10s, 1m30s)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (1-150)",
						Required:    true,
						MinValue:    intPtr(1),
						MaxValue:    intPtr(150),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "summon",
				Description: "Bring the bot to your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Stop playback and leave the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

// ===========================
// Music Manager
// ===========================

var (
	musicManager *MusicManager
	OnceMusic    sync.Once
)

type guildPlayer struct {
	player   *Player
	playlist *Playlist
	sink     *discordSink
}

// MusicManager owns one player per guild plus the shared downloader and
// search cache.
type MusicManager struct {
	mu      sync.Mutex
	players map[snowflake.ID]*guildPlayer
	client  *bot.Client
	dl      *Downloader

	cacheMu     sync.RWMutex
	searchCache map[string]cachedSearch
}

type cachedSearch struct {
	results   []SearchResult
	expiresAt time.Time
}

// SearchResult represents a search result
type SearchResult struct{ Title, ChannelName, URL string }

func Music() *MusicManager {
	OnceMusic.Do(func() {
		musicManager = &MusicManager{
			players:     make(map[snowflake.ID]*guildPlayer),
			searchCache: make(map[string]cachedSearch),
		}
	})
	return musicManager
}

func (m *MusicManager) attach(client *bot.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
	if m.dl == nil {
		resolver := NewYtdlpResolver(AudioCacheDir)
		m.dl = NewDownloader(resolver, Rdb, GlobalConfig.MusicMaxExtractions, GlobalConfig.MusicCacheTTL)
	}
}

// GetPlayer returns the guild's player if one exists.
func (m *MusicManager) GetPlayer(guildID snowflake.ID) (*Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gp, ok := m.players[guildID]
	if !ok {
		return nil, false
	}
	return gp.player, true
}

// Guilds returns the IDs of every guild with a live player.
func (m *MusicManager) Guilds() []snowflake.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]snowflake.ID, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	return ids
}

// Summon joins channelID and returns the guild's player, creating it on
// first use. The player's saved queue is restored before anything plays.
func (m *MusicManager) Summon(ctx context.Context, guildID, channelID snowflake.ID) (*Player, error) {
	m.mu.Lock()
	client := m.client
	if client == nil {
		m.mu.Unlock()
		return nil, errors.New("music system not ready")
	}
	gp, ok := m.players[guildID]
	m.mu.Unlock()

	if ok {
		if err := gp.sink.Join(ctx, channelID); err != nil {
			return nil, err
		}
		m.rememberChannel(guildID, channelID)
		return gp.player, nil
	}

	sink := NewDiscordSink(client, guildID)
	if err := sink.Join(ctx, channelID); err != nil {
		return nil, err
	}

	pl := NewPlaylist(guildID, m.dl, Rdb)
	if n, err := pl.LoadSaved(ctx); err != nil {
		LogMusic("Failed to restore queue for guild %s: %v", guildID, err)
	} else if n > 0 {
		LogMusic("Restored %d queued entries for guild %s", n, guildID)
	}

	player := NewPlayer(guildID, pl, sink, SkipConfig{
		MinSkips:       GlobalConfig.MusicMinSkips,
		Ratio:          GlobalConfig.MusicSkipRatio,
		CountListeners: m.EligibleListeners,
	})
	if vol := GetGuildVolume(guildID); vol > 0 {
		sink.SetVolume(vol)
	}
	player.OnPlay = func(e *QueueEntry) { m.announceNowPlaying(e) }
	player.OnError = func(e *QueueEntry, err error) {
		m.announceToChannel(e.OriginChannel, fmt.Sprintf("⚠️ Playback of **%s** failed: %v", e.Title(), err))
	}
	pl.OnFailed = func(e *QueueEntry, err error) {
		m.announceToChannel(e.OriginChannel, fmt.Sprintf("⚠️ Skipping **%s**: could not fetch it.", e.Title()))
	}
	// An idle player picks playback back up as soon as anything lands in
	// the queue. Paused players stay paused.
	pl.OnAdded = func(e *QueueEntry, pos int) {
		if player.State() == PlayerStopped {
			_ = player.Play()
		}
	}

	m.mu.Lock()
	if existing, raced := m.players[guildID]; raced {
		m.mu.Unlock()
		player.Kill()
		return existing.player, nil
	}
	m.players[guildID] = &guildPlayer{player: player, playlist: pl, sink: sink}
	m.mu.Unlock()

	m.rememberChannel(guildID, channelID)
	return player, nil
}

// ClosePlayer kills and forgets the guild's player.
func (m *MusicManager) ClosePlayer(guildID snowflake.ID) {
	m.mu.Lock()
	gp, ok := m.players[guildID]
	if ok {
		delete(m.players, guildID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	// Kill closes the player's sink and flushes its queue.
	gp.player.Kill()
}

// Shutdown tears down every player, flushing their queues. Guilds with
// anything left to play are flagged for resume on the next boot.
func (m *MusicManager) Shutdown(ctx context.Context) {
	for _, guildID := range m.Guilds() {
		m.mu.Lock()
		gp, ok := m.players[guildID]
		m.mu.Unlock()
		if ok && Rdb != nil && (gp.player.IsActive() || gp.playlist.Len() > 0) {
			if err := Rdb.SAdd(ctx, "music:reload", guildID.String()).Err(); err != nil {
				LogMusic("Failed to flag guild %s for resume: %v", guildID, err)
			}
		}
		m.ClosePlayer(guildID)
	}
}

// EligibleListeners counts humans in the bot's voice channel who can
// actually hear it. Deafened members and bots do not count.
func (m *MusicManager) EligibleListeners(guildID snowflake.ID) int {
	m.mu.Lock()
	gp, ok := m.players[guildID]
	client := m.client
	m.mu.Unlock()
	if !ok || client == nil {
		return 0
	}
	channelID := gp.sink.ChannelID()
	if channelID == 0 {
		return 0
	}

	count := 0
	for state := range client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == client.ID() {
			continue
		}
		if state.SelfDeaf || state.GuildDeaf {
			continue
		}
		if mem, ok := client.Caches.Member(guildID, state.UserID); ok && mem.User.Bot {
			continue
		}
		count++
	}
	return count
}

func (m *MusicManager) rememberChannel(guildID, channelID snowflake.ID) {
	if Rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := fmt.Sprintf("music:channel:%d", guildID)
	if err := Rdb.Set(ctx, key, channelID.String(), 0).Err(); err != nil {
		LogMusic("Failed to remember voice channel for guild %s: %v", guildID, err)
	}
}

// resumeReloadedGuilds drains the reload set left behind by reaped
// players and brings their playback back up.
func (m *MusicManager) resumeReloadedGuilds(ctx context.Context) {
	if Rdb == nil {
		return
	}
	for {
		guildStr, err := Rdb.SPop(ctx, "music:reload").Result()
		if err != nil {
			return
		}
		guildID, err := snowflake.Parse(guildStr)
		if err != nil {
			continue
		}
		channelStr, err := Rdb.Get(ctx, fmt.Sprintf("music:channel:%d", guildID)).Result()
		if err != nil {
			continue
		}
		channelID, err := snowflake.Parse(channelStr)
		if err != nil {
			continue
		}

		LogMusic("Resuming interrupted playback in guild %s", guildID)
		player, err := m.Summon(ctx, guildID, channelID)
		if err != nil {
			LogMusic("Failed to resume playback in guild %s: %v", guildID, err)
			continue
		}
		if player.Playlist.Len() > 0 {
			_ = player.Play()
		}
	}
}

// onVoiceStateUpdate tears the player down when the bot itself gets
// disconnected from voice.
func (m *MusicManager) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	guildID := event.VoiceState.GuildID
	if _, ok := m.GetPlayer(guildID); !ok {
		return
	}
	LogMusic("Bot disconnected from voice in guild %s, closing player", guildID)
	m.ClosePlayer(guildID)
}

// ===========================
// Announcements
// ===========================

func (m *MusicManager) announceNowPlaying(e *QueueEntry) {
	var body strings.Builder
	body.WriteString(fmt.Sprintf("🎵 Now playing: **%s**", e.Title()))
	if e.Duration() > 0 {
		body.WriteString(fmt.Sprintf(" `[%s]`", FormatDuration(e.Duration())))
	}
	if e.Submitter != nil {
		body.WriteString(fmt.Sprintf("\n_Requested by %s_", e.Submitter.Name))
	}
	m.announceToChannel(e.OriginChannel, body.String())
}

func (m *MusicManager) announceToChannel(channelID snowflake.ID, content string) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || channelID == 0 {
		return
	}
	if err := SendChannelV2(*client, channelID, NewV2Container(NewTextDisplay(content))); err != nil {
		LogMusic("Failed to announce to channel %s: %v", channelID, err)
	}
}

// ===========================
// Search
// ===========================

// Search fans out to YouTube Music and YouTube in parallel, preferring
// music results, and memoizes for an hour.
func (m *MusicManager) Search(q string) ([]SearchResult, error) {
	m.cacheMu.RLock()
	if item, ok := m.searchCache[q]; ok && time.Now().Before(item.expiresAt) {
		m.cacheMu.RUnlock()
		return item.results, nil
	}
	m.cacheMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YTM] ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YT] ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(ytm, yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}
	if len(fin) > 0 {
		m.cacheMu.Lock()
		m.searchCache[q] = cachedSearch{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		m.cacheMu.Unlock()
	}
	return fin, nil
}

// ===========================
// Command Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "skip":
		handleMusicSkip(event)
	case "seek":
		handleMusicSeek(event, data)
	case "volume":
		handleMusicVolume(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "shuffle":
		handleMusicShuffle(event)
	case "clear":
		handleMusicClear(event)
	case "queue":
		handleMusicQueue(event)
	case "summon":
		handleMusicSummon(event)
	case "leave":
		handleMusicLeave(event)
	}
}

// summonForUser joins the invoking user's voice channel and returns the
// guild's player.
func summonForUser(event *events.ApplicationCommandInteractionCreate) (*Player, error) {
	guildID := event.GuildID()
	if guildID == nil {
		return nil, CommandErrorf("music only works in guilds")
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		return nil, CommandErrorf("you must be in a voice channel")
	}
	return Music().Summon(context.Background(), *guildID, *vs.ChannelID)
}

// activePlayer fetches the guild's player for commands that require one.
func activePlayer(event *events.ApplicationCommandInteractionCreate) (*Player, error) {
	guildID := event.GuildID()
	if guildID == nil {
		return nil, CommandErrorf("music only works in guilds")
	}
	player, ok := Music().GetPlayer(*guildID)
	if !ok {
		return nil, CommandErrorf("nothing is playing here")
	}
	return player, nil
}

// normalizeQuery turns free text into a deferred search reference while
// passing URLs through untouched.
func normalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") || isSearchRef(q) {
		return q
	}
	return "ytsearch:" + q
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")
	next, _ := data.OptBool("next")
	stream, _ := data.OptBool("stream")

	LogMusic("User %s (%s) requested: %s", event.User().Username, event.User().ID, query)
	_ = event.DeferCreateMessage(false)

	player, err := summonForUser(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}

	sub := &Submitter{ID: event.User().ID, Name: event.User().Username}
	channelID := event.Channel().ID()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	entry, pos, err := player.Playlist.AddEntry(ctx, normalizeQuery(query), sub, channelID, next, stream)
	if err != nil {
		var wrongType *WrongEntryTypeError
		if errors.As(err, &wrongType) && wrongType.IsCollection {
			handleMusicImport(event, player, wrongType.UseURL, sub, channelID)
			return
		}
		respondMusicError(event, err)
		return
	}
	_ = player.Play()

	msg := fmt.Sprintf("Added to queue: **%s**", entry.Title())
	if pos > 1 {
		eta := player.Playlist.EstimateTimeUntil(pos, player)
		msg += fmt.Sprintf("\nPosition **%d**, playing in about %s.", pos, FormatDuration(eta))
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)))
}

func handleMusicImport(event *events.ApplicationCommandInteractionCreate, player *Player, url string, sub *Submitter, channelID snowflake.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	expand := player.Playlist.ImportFrom
	if collectionNeedsItemResolution(url) {
		expand = player.Playlist.ProcessCollection
	}
	added, skipped, err := expand(ctx, url, sub, channelID)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	_ = player.Play()

	msg := fmt.Sprintf("📂 Added **%d** songs from the collection.", len(added))
	if skipped > 0 {
		msg += fmt.Sprintf(" Skipped %d unplayable items.", skipped)
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)))
}

// canInstantSkip lets the song's submitter and admins bypass the vote.
func canInstantSkip(event *events.ApplicationCommandInteractionCreate, entry *QueueEntry) bool {
	if entry != nil && entry.Submitter != nil && entry.Submitter.ID == event.User().ID {
		return true
	}
	if member := event.Member(); member != nil {
		return member.Permissions.Has(discord.PermissionAdministrator)
	}
	return false
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	player, err := activePlayer(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	entry := player.Current()
	if entry == nil {
		respondMusicError(event, CommandErrorf("nothing is playing"))
		return
	}

	if canInstantSkip(event, entry) {
		player.Skip()
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏭️ Skipped: **%s**", entry.Title()))), false)
		return
	}

	skipped, votes, needed, err := player.VoteSkip(event.User().ID)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	if skipped {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏭️ Vote passed, skipped: **%s**", entry.Title()))), false)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🗳️ Skip votes: **%d/%d** for **%s**", votes, needed, entry.Title()))), false)
}

func handleMusicSeek(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	player, err := activePlayer(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	target, err := ParseDuration(data.String("position"))
	if err != nil {
		respondMusicError(event, CommandErrorf("invalid position format (use 10s, 1m30s)"))
		return
	}
	if err := player.Seek(target); err != nil {
		respondMusicError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("⏩ Jumped to **%s**.", FormatDuration(target)))), false)
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	player, err := activePlayer(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	vol := data.Int("set")
	if err := player.SetVolume(vol); err != nil {
		respondMusicError(event, err)
		return
	}
	if gid := event.GuildID(); gid != nil {
		SetGuildVolume(*gid, vol)
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🔊 Volume set to **%d%%**.", vol))), false)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	player, err := activePlayer(event)
	if err == nil {
		err = player.Pause()
	}
	if err != nil {
		respondMusicError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("⏸️ Paused.")), false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	player, err := activePlayer(event)
	if err == nil {
		err = player.Resume()
	}
	if err != nil {
		respondMusicError(event, err)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("▶️ Resumed.")), false)
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	player, err := activePlayer(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	player.Playlist.Shuffle()
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("🔀 Queue shuffled.")), false)
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate) {
	player, err := activePlayer(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	n := player.Playlist.Clear()
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf("🧹 Cleared **%d** entries.", n))), false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	player, err := activePlayer(event)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("Not playing anything.")))
		return
	}

	var components []interface{}
	if current := player.Current(); current != nil {
		components = append(components, NewTextDisplay("**Now Playing:**"))
		line := fmt.Sprintf("[%s](%s)", current.Title(), current.SourceRef)
		if current.IsStream {
			line += " `[LIVE]`"
		} else if current.Duration() > 0 {
			line += fmt.Sprintf(" `[%s / %s]`", FormatDuration(player.Progress()), FormatDuration(current.Duration()))
		}
		if current.Submitter != nil {
			line += fmt.Sprintf(" · %s", current.Submitter.Name)
		}
		components = append(components, NewTextDisplay(line))
		components = append(components, NewSeparator(true))
	}

	entries := player.Playlist.Entries()
	components = append(components, NewTextDisplay("**Queue:**"))
	if len(entries) == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
	} else {
		var list strings.Builder
		for i, e := range entries {
			if i >= 10 {
				list.WriteString(fmt.Sprintf("\n*...and %d more*", len(entries)-10))
				break
			}
			list.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, e.Title(), e.SourceRef))
		}
		components = append(components, NewTextDisplay(list.String()))
	}

	if err := EditInteractionV2(*event.Client(), event, NewV2Container(components...)); err != nil {
		LogMusic("Failed to display queue: %v", err)
	}
}

func handleMusicSummon(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)
	player, err := summonForUser(event)
	if err != nil {
		respondMusicError(event, err)
		return
	}
	if player.Playlist.Len() > 0 {
		_ = player.Play()
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("👋 Joined your voice channel.")))
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		respondMusicError(event, CommandErrorf("music only works in guilds"))
		return
	}
	LogMusic("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *guildID)
	Music().ClosePlayer(*guildID)
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay("🛑 Stopped and disconnected.")), false)
}

// respondMusicError answers with the error text for user mistakes and a
// generic message for everything else. Works for both deferred and fresh
// interactions.
func respondMusicError(event *events.ApplicationCommandInteractionCreate, err error) {
	msg := "Something went wrong, try again later."
	if IsUserError(err) {
		msg = "❌ " + err.Error()
	} else {
		LogMusic("Command failed: %v", err)
	}
	if respondErr := RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)), true); respondErr != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(msg)))
	}
}

// ===========================
// Autocomplete
// ===========================

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := Music().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}
