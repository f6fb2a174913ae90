package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type resolveCall struct {
	Ref      string
	Download bool
	Process  bool
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []resolveCall
	fn    func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error)
}

func (r *fakeResolver) Resolve(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
	r.mu.Lock()
	r.calls = append(r.calls, resolveCall{Ref: ref, Download: download, Process: process})
	r.mu.Unlock()
	return r.fn(ctx, ref, download, process)
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func videoResolver(title string) *fakeResolver {
	return &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		return &MediaInfo{
			Type:       mediaTypeVideo,
			Title:      title,
			Duration:   3 * time.Minute,
			WebpageURL: ref,
			Filename:   "/tmp/" + title + ".webm",
		}, nil
	}}
}

// --- Cache Semantics ---

func TestExtractInfo_CachesResults(t *testing.T) {
	mr, rdb := newTestRedis(t)
	resolver := videoResolver("Song")
	dl := NewDownloader(resolver, rdb, 2, time.Hour)

	ctx := context.Background()
	info, err := dl.ExtractInfo(ctx, "https://example.com/v/1", false, false)
	require.NoError(t, err)
	assert.Equal(t, "Song", info.Title)
	assert.Equal(t, 1, resolver.callCount())
	assert.Len(t, mr.Keys(), 1)

	// Second call hits the cache.
	info, err = dl.ExtractInfo(ctx, "https://example.com/v/1", false, false)
	require.NoError(t, err)
	assert.Equal(t, "Song", info.Title)
	assert.Equal(t, 1, resolver.callCount())
}

func TestExtractInfo_DownloadSkipsCacheRead(t *testing.T) {
	_, rdb := newTestRedis(t)
	resolver := videoResolver("Song")
	dl := NewDownloader(resolver, rdb, 2, time.Hour)

	ctx := context.Background()
	_, err := dl.ExtractInfo(ctx, "https://example.com/v/1", false, false)
	require.NoError(t, err)

	// download=true must go to the resolver even with a warm cache.
	_, err = dl.ExtractInfo(ctx, "https://example.com/v/1", true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.callCount())
	assert.True(t, resolver.calls[1].Download)
}

func TestExtractInfo_ProcessedKeyIsSeparate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	resolver := videoResolver("Song")
	dl := NewDownloader(resolver, rdb, 2, time.Hour)

	ctx := context.Background()
	_, err := dl.ExtractInfo(ctx, "https://example.com/v/1", false, false)
	require.NoError(t, err)
	_, err = dl.ExtractInfo(ctx, "https://example.com/v/1", false, true)
	require.NoError(t, err)

	assert.Equal(t, 2, resolver.callCount())
	assert.Len(t, mr.Keys(), 2)
}

func TestExtractInfo_NeverCachesSearches(t *testing.T) {
	mr, rdb := newTestRedis(t)
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		return &MediaInfo{Type: mediaTypeSearch, SearchTerm: "some song"}, nil
	}}
	dl := NewDownloader(resolver, rdb, 2, time.Hour)

	ctx := context.Background()
	_, err := dl.ExtractInfo(ctx, "ytsearch:some song", false, false)
	require.NoError(t, err)
	_, err = dl.ExtractInfo(ctx, "ytsearch:some song", false, false)
	require.NoError(t, err)

	assert.Equal(t, 2, resolver.callCount(), "search refs bypass the cache")
	assert.Empty(t, mr.Keys())
}

func TestExtractInfo_CorruptCacheFallsThrough(t *testing.T) {
	mr, rdb := newTestRedis(t)
	resolver := videoResolver("Song")
	dl := NewDownloader(resolver, rdb, 2, time.Hour)

	require.NoError(t, mr.Set(cacheKey("https://example.com/v/1", false), "{{{"))

	info, err := dl.ExtractInfo(context.Background(), "https://example.com/v/1", false, false)
	require.NoError(t, err)
	assert.Equal(t, "Song", info.Title)
	assert.Equal(t, 1, resolver.callCount())
}

func TestExtractInfo_ResolverErrorWrapped(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		return nil, assert.AnError
	}}
	dl := NewDownloader(resolver, nil, 2, time.Hour)

	_, err := dl.ExtractInfo(context.Background(), "https://example.com/v/broken", false, false)
	require.Error(t, err)
	var xe *ExtractionError
	assert.ErrorAs(t, err, &xe)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExtractInfo_NoRedisStillWorks(t *testing.T) {
	resolver := videoResolver("Song")
	dl := NewDownloader(resolver, nil, 2, time.Hour)

	info, err := dl.ExtractInfo(context.Background(), "https://example.com/v/1", false, false)
	require.NoError(t, err)
	assert.Equal(t, "Song", info.Title)
}

// --- Reference Classification ---

func TestParseSearchRef(t *testing.T) {
	query, limit, ok := parseSearchRef("ytsearch3: some song ")
	require.True(t, ok)
	assert.Equal(t, "some song", query)
	assert.Equal(t, 3, limit)

	query, limit, ok = parseSearchRef("ytmsearch:other")
	require.True(t, ok)
	assert.Equal(t, "other", query)
	assert.Equal(t, 1, limit)

	_, _, ok = parseSearchRef("https://example.com/v/1")
	assert.False(t, ok)
}

func TestIsSearchRef(t *testing.T) {
	assert.True(t, isSearchRef("ytsearch:foo"))
	assert.True(t, isSearchRef("ytmsearch5:foo"))
	assert.False(t, isSearchRef("https://music.example/watch?v=1"))
}

func TestIsCollectionRef(t *testing.T) {
	assert.True(t, isCollectionRef("https://youtube.example/watch?v=1&list=PL123"))
	assert.True(t, isCollectionRef("https://soundcloud.example/artist/sets/mix"))
	assert.True(t, isCollectionRef("https://music.example/album/xyz"))
	assert.False(t, isCollectionRef("https://youtube.example/watch?v=1"))
}

func TestCollectionNeedsItemResolution(t *testing.T) {
	assert.True(t, collectionNeedsItemResolution("https://soundcloud.example/artist/sets/mix"))
	assert.True(t, collectionNeedsItemResolution("https://band.example/album/xyz"))
	assert.False(t, collectionNeedsItemResolution("https://youtube.example/playlist?list=PL123"))
}

func TestMediaInfo_Kinds(t *testing.T) {
	assert.True(t, (&MediaInfo{Type: mediaTypeSearch}).IsSearch())
	assert.True(t, (&MediaInfo{Type: mediaTypePlaylist}).IsCollection())
	assert.True(t, (&MediaInfo{Type: mediaTypeVideo, Entries: []MediaInfo{{}}}).IsCollection())
	assert.False(t, (&MediaInfo{Type: mediaTypeVideo}).IsCollection())
}

// --- Content Probing ---

func TestProbeContentType_Head(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	}))
	defer srv.Close()

	ct, err := probeContentType(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", ct)
}

func TestProbeContentType_GetFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// No content type on HEAD, forcing the ranged GET.
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/ogg")
	}))
	defer srv.Close()

	ct, err := probeContentType(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "application/ogg", ct)
}

func TestCleanYtdlpField(t *testing.T) {
	assert.Equal(t, "", cleanYtdlpField("NA"))
	assert.Equal(t, "Title", cleanYtdlpField("Title"))
}
