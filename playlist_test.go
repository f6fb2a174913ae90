package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGuild = snowflake.ID(1111)

// refResolver resolves canned MediaInfo per reference and fails downloads
// for refs containing "bad".
func refResolver(infos map[string]*MediaInfo) *fakeResolver {
	return &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		if download && strings.Contains(ref, "bad") {
			return nil, errors.New("download failed")
		}
		if info, ok := infos[ref]; ok {
			cp := *info
			return &cp, nil
		}
		return &MediaInfo{Type: mediaTypeVideo, Title: ref, WebpageURL: ref, Duration: time.Minute, Filename: "/tmp/x.webm"}, nil
	}}
}

func newTestPlaylist(t *testing.T, resolver MediaResolver) *Playlist {
	t.Helper()
	_, rdb := newTestRedis(t)
	dl := NewDownloader(resolver, rdb, 2, time.Hour)
	pl := NewPlaylist(testGuild, dl, rdb)
	t.Cleanup(pl.Close)
	return pl
}

func queuedTitles(t *testing.T, pl *Playlist) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := pl.rdb.LRange(ctx, pl.queueKey(), 0, -1).Result()
	require.NoError(t, err)

	titles := make([]string, 0, len(raw))
	for _, data := range raw {
		var rec entryRecord
		require.NoError(t, json.Unmarshal([]byte(data), &rec))
		titles = append(titles, rec.Title)
	}
	return titles
}

// --- Adding ---

func TestAddEntry_AppendAndPrepend(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	_, pos, err := pl.AddEntry(ctx, "https://x/a", nil, 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, pos, err = pl.AddEntry(ctx, "https://x/b", nil, 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, pos, err = pl.AddEntry(ctx, "https://x/c", nil, 0, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	var titles []string
	for _, e := range pl.Entries() {
		titles = append(titles, e.Title())
	}
	assert.Equal(t, []string{"https://x/c", "https://x/a", "https://x/b"}, titles)
}

func TestAddEntry_SearchResolvesToBestMatch(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"ytsearch:some song": {
			Type:    mediaTypeSearch,
			Entries: []MediaInfo{{Type: mediaTypeVideo, Title: "Best Match", WebpageURL: "https://x/best"}},
		},
		"https://x/best": {Type: mediaTypeVideo, Title: "Best Match", WebpageURL: "https://x/best", Duration: time.Minute},
	}))

	entry, pos, err := pl.AddEntry(context.Background(), "ytsearch:some song", nil, 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, "Best Match", entry.Title())
	assert.Equal(t, "https://x/best", entry.SourceRef)
}

func TestAddEntry_SearchWithNoResults(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"ytsearch:nothing": {Type: mediaTypeSearch},
	}))

	_, _, err := pl.AddEntry(context.Background(), "ytsearch:nothing", nil, 0, false, false)
	require.Error(t, err)
	assert.True(t, IsUserError(err))
	assert.Zero(t, pl.Len())
}

func TestAddEntry_SearchRecursionBounded(t *testing.T) {
	// A search whose best match resolves to another search must not loop.
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"ytsearch:loop": {
			Type:    mediaTypeSearch,
			Entries: []MediaInfo{{Type: mediaTypeVideo, WebpageURL: "ytsearch:loop2"}},
		},
		"ytsearch:loop2": {Type: mediaTypeSearch},
	}))

	_, _, err := pl.AddEntry(context.Background(), "ytsearch:loop", nil, 0, false, false)
	require.Error(t, err)
	assert.Zero(t, pl.Len())
}

func TestAddEntry_RejectsCollections(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"https://x/list": {Type: mediaTypePlaylist, WebpageURL: "https://x/playlist?list=1"},
	}))

	_, _, err := pl.AddEntry(context.Background(), "https://x/list", nil, 0, false, false)
	var wrongType *WrongEntryTypeError
	require.ErrorAs(t, err, &wrongType)
	assert.True(t, wrongType.IsCollection)
	assert.Equal(t, "https://x/playlist?list=1", wrongType.UseURL)
	assert.Zero(t, pl.Len())
}

func TestAddEntry_LiveBecomesStream(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"https://x/live": {Type: mediaTypeVideo, Title: "Live Show", WebpageURL: "https://x/live", StreamURL: "https://cdn.x/live.m3u8", IsLive: true},
	}))

	entry, _, err := pl.AddEntry(context.Background(), "https://x/live", nil, 0, false, false)
	require.NoError(t, err)
	assert.True(t, entry.IsStream)
	assert.Equal(t, "https://cdn.x/live.m3u8", entry.PlayableLocation())
}

func TestAddEntry_AsStreamForcesPassthrough(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))

	// The source resolves to a plain downloadable video, but the caller
	// asked for passthrough treatment.
	entry, pos, err := pl.AddEntry(context.Background(), "https://x/song", nil, 0, false, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.True(t, entry.IsStream)
	assert.False(t, entry.Seekable())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, entry.WaitReady(ctx), "streams need no download")
}

func TestAddEntry_GenericContentTypes(t *testing.T) {
	contentType := "audio/mpeg"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
	}))
	defer srv.Close()

	newPl := func() *Playlist {
		return newTestPlaylist(t, refResolver(map[string]*MediaInfo{
			"generic-ref": {Type: mediaTypeGeneric, Title: "Generic", WebpageURL: "generic-ref", StreamURL: srv.URL},
		}))
	}

	contentType = "application/ogg"
	pl := newPl()
	entry, _, err := pl.AddEntry(context.Background(), "generic-ref", nil, 0, false, false)
	require.NoError(t, err, "ogg passes despite the application/ prefix")
	assert.False(t, entry.IsStream)

	contentType = "application/pdf"
	pl = newPl()
	_, _, err = pl.AddEntry(context.Background(), "generic-ref", nil, 0, false, false)
	require.Error(t, err)
	assert.True(t, IsUserError(err))

	contentType = "text/html; charset=utf-8"
	pl = newPl()
	entry, _, err = pl.AddEntry(context.Background(), "generic-ref", nil, 0, false, false)
	require.NoError(t, err, "html pages get passthrough stream treatment")
	assert.True(t, entry.IsStream)
}

func TestImportFrom_QueuesCollection(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"https://x/playlist?list=1": {
			Type: mediaTypePlaylist,
			Entries: []MediaInfo{
				{Type: mediaTypeVideo, Title: "One", WebpageURL: "https://x/1", Duration: time.Minute},
				{Type: mediaTypeVideo, Title: "Unavailable"},
				{Type: mediaTypeVideo, Title: "Two", WebpageURL: "https://x/2", Duration: time.Minute},
			},
		},
	}))

	added, skipped, err := pl.ImportFrom(context.Background(), "https://x/playlist?list=1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 2, pl.Len())
}

func TestProcessCollection_ResolvesItemsIndividually(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		switch {
		case ref == "https://sc/artist/sets/mix":
			return &MediaInfo{Type: mediaTypePlaylist, Entries: []MediaInfo{
				{WebpageURL: "https://sc/artist/one"},
				{WebpageURL: ""},
				{WebpageURL: "https://sc/artist/locked"},
				{WebpageURL: "https://sc/artist/two"},
			}}, nil
		case strings.Contains(ref, "locked"):
			return nil, errors.New("region locked")
		default:
			return &MediaInfo{Type: mediaTypeVideo, Title: ref, WebpageURL: ref, Duration: time.Minute}, nil
		}
	}}
	pl := newTestPlaylist(t, resolver)

	added, skipped, err := pl.ProcessCollection(context.Background(), "https://sc/artist/sets/mix", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, added, 2)
	assert.Equal(t, "https://sc/artist/one", added[0].Title())
	assert.Equal(t, "https://sc/artist/two", added[1].Title())
	assert.Equal(t, 2, pl.Len())
}

func TestProcessCollection_NothingPlayable(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		if strings.Contains(ref, "/sets/") {
			return &MediaInfo{Type: mediaTypePlaylist, Entries: []MediaInfo{{WebpageURL: ""}}}, nil
		}
		return nil, errors.New("unreachable")
	}}
	pl := newTestPlaylist(t, resolver)

	_, skipped, err := pl.ProcessCollection(context.Background(), "https://sc/artist/sets/empty", nil, 0)
	require.Error(t, err)
	var exErr *ExtractionError
	assert.ErrorAs(t, err, &exErr)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 0, pl.Len())
}

// --- Persistence ---

func TestPersistence_MirrorsQueueOrder(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	for _, ref := range []string{"https://x/a", "https://x/b", "https://x/c"} {
		_, _, err := pl.AddEntry(ctx, ref, nil, 0, false, false)
		require.NoError(t, err)
	}
	pl.Close()

	assert.Equal(t, []string{"https://x/a", "https://x/b", "https://x/c"}, queuedTitles(t, pl))
}

func TestPersistence_ConsumptionShrinksMirror(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	for _, ref := range []string{"https://x/a", "https://x/b"} {
		_, _, err := pl.AddEntry(ctx, ref, nil, 0, false, false)
		require.NoError(t, err)
	}

	entry, err := pl.GetNextEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "https://x/a", entry.Title())

	pl.Close()
	assert.Equal(t, []string{"https://x/b"}, queuedTitles(t, pl))
}

func TestPersistSolo(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	for _, ref := range []string{"https://x/a", "https://x/b"} {
		_, _, err := pl.AddEntry(ctx, ref, nil, 0, false, false)
		require.NoError(t, err)
	}

	interrupted := NewStreamEntry("https://x/current", "Current", "", nil, 0)
	interrupted.IsStream = false
	interrupted.RequeueAt(75 * time.Second)
	pl.PersistSolo(interrupted)
	pl.Close()

	assert.Equal(t, []string{"Current"}, queuedTitles(t, pl))

	raw, err := pl.rdb.LRange(ctx, pl.queueKey(), 0, -1).Result()
	require.NoError(t, err)
	var rec entryRecord
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &rec))
	assert.Equal(t, int64(75), rec.SeekSecs)
}

func TestLoadSaved(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	good, err := NewStreamEntry("https://x/saved", "Saved", "", nil, 0).MarshalRecord()
	require.NoError(t, err)
	require.NoError(t, pl.rdb.RPush(ctx, pl.queueKey(), good, "corrupt{{{").Err())

	n, err := pl.LoadSaved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undecodable records are dropped")
	assert.Equal(t, 1, pl.Len())
	assert.Equal(t, "Saved", pl.Peek().Title())
}

// --- Consuming ---

func TestGetNextEntry_EmptyQueue(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))

	entry, err := pl.GetNextEntry(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetNextEntry_SkipsFailedEntries(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	failed := make(chan string, 1)
	pl.OnFailed = func(e *QueueEntry, err error) { failed <- e.Title() }

	_, _, err := pl.AddEntry(ctx, "https://x/bad", nil, 0, false, false)
	require.NoError(t, err)
	_, _, err = pl.AddEntry(ctx, "https://x/good", nil, 0, false, false)
	require.NoError(t, err)

	entry, err := pl.GetNextEntry(ctx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "https://x/good", entry.Title())

	select {
	case title := <-failed:
		assert.Equal(t, "https://x/bad", title)
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
}

func TestGetNextEntry_ContextCancel(t *testing.T) {
	pl := newTestPlaylist(t, &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		if download {
			<-ctx.Done() // never finishes
			return nil, ctx.Err()
		}
		return &MediaInfo{Type: mediaTypeVideo, Title: "Slow", WebpageURL: ref}, nil
	}})

	_, _, err := pl.AddEntry(context.Background(), "https://x/slow", nil, 0, false, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pl.GetNextEntry(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- Reordering ---

func TestShuffle_PreservesEntries(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, _, err := pl.AddEntry(ctx, fmt.Sprintf("https://x/%d", i), nil, 0, false, false)
		require.NoError(t, err)
	}
	before := pl.Entries()

	pl.shuffleWith(rand.New(rand.NewSource(7)))
	after := pl.Entries()

	assert.ElementsMatch(t, before, after)

	// Same seed, same permutation.
	other := newTestPlaylist(t, refResolver(nil))
	for i := 0; i < 8; i++ {
		_, _, err := other.AddEntry(ctx, fmt.Sprintf("https://x/%d", i), nil, 0, false, false)
		require.NoError(t, err)
	}
	other.shuffleWith(rand.New(rand.NewSource(7)))

	for i, e := range after {
		assert.Equal(t, e.Title(), other.Entries()[i].Title())
	}
}

func TestClear(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))
	ctx := context.Background()

	for _, ref := range []string{"https://x/a", "https://x/b"} {
		_, _, err := pl.AddEntry(ctx, ref, nil, 0, false, false)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, pl.Clear())
	assert.Zero(t, pl.Len())

	pl.Close()
	assert.Empty(t, queuedTitles(t, pl))
}

// --- Telemetry ---

func TestRecordPlayed(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(nil))

	pl.RecordPlayed("Song")
	pl.RecordPlayed("Song")
	pl.RecordPlayed("")

	ctx := context.Background()
	count, err := pl.rdb.HGet(ctx, "music:played", "Song").Int()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	n, err := pl.rdb.HLen(ctx, "music:played").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "empty titles are not recorded")
}

func TestEstimateTimeUntil(t *testing.T) {
	pl := newTestPlaylist(t, refResolver(map[string]*MediaInfo{
		"https://x/a": {Type: mediaTypeVideo, Title: "A", WebpageURL: "https://x/a", Duration: 2 * time.Minute},
		"https://x/b": {Type: mediaTypeVideo, Title: "B", WebpageURL: "https://x/b", Duration: 3 * time.Minute},
		"https://x/c": {Type: mediaTypeVideo, Title: "C", WebpageURL: "https://x/c", Duration: time.Minute},
	}))
	ctx := context.Background()

	for _, ref := range []string{"https://x/a", "https://x/b", "https://x/c"} {
		_, _, err := pl.AddEntry(ctx, ref, nil, 0, false, false)
		require.NoError(t, err)
	}

	assert.Equal(t, time.Duration(0), pl.EstimateTimeUntil(1, nil))
	assert.Equal(t, 2*time.Minute, pl.EstimateTimeUntil(2, nil))
	assert.Equal(t, 5*time.Minute, pl.EstimateTimeUntil(3, nil))

	// An active player adds its remaining time.
	sink := &fakeSink{}
	p := NewPlayer(testGuild, pl, sink, SkipConfig{MinSkips: 4, Ratio: 0.5})
	require.NoError(t, p.Play())
	require.Eventually(t, func() bool { return p.State() == PlayerPlaying }, 2*time.Second, 10*time.Millisecond)

	// "A" is now current with 2m left, "B" is position 1.
	assert.Equal(t, 2*time.Minute+3*time.Minute, pl.EstimateTimeUntil(2, p))
	p.Kill()
}
