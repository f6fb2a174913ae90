package main

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewURLEntry_FallbackFields(t *testing.T) {
	info := &MediaInfo{Type: mediaTypeVideo, WebpageURL: "https://example.com/v/1"}
	e := NewURLEntry(info, "raw-ref", nil, 0)

	assert.Equal(t, "https://example.com/v/1", e.SourceRef)
	assert.Equal(t, "https://example.com/v/1", e.Title())
	assert.True(t, e.Seekable())
}

func TestNewStreamEntry_ReadyImmediately(t *testing.T) {
	e := NewStreamEntry("https://radio.example/live", "", "", nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))
	assert.Equal(t, "https://radio.example/live", e.Title())
	assert.Equal(t, "https://radio.example/live", e.PlayableLocation())
	assert.False(t, e.Seekable())
}

func TestPrepare_RunsOnce(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		return &MediaInfo{Type: mediaTypeVideo, Title: "Song", Filename: "/tmp/song.webm", Duration: 3 * time.Minute}, nil
	}}
	dl := NewDownloader(resolver, nil, 2, time.Hour)

	e := NewURLEntry(&MediaInfo{WebpageURL: "https://example.com/v/1"}, "https://example.com/v/1", nil, 0)
	e.Prepare(dl)
	e.Prepare(dl)
	e.Prepare(dl)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))

	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, "/tmp/song.webm", e.PlayableLocation())
	assert.Equal(t, "Song", e.Title())
	assert.Equal(t, 3*time.Minute, e.Duration())
}

func TestPrepare_MetadataReadableWhilePreparing(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		<-release
		return &MediaInfo{Type: mediaTypeVideo, Title: "Resolved", Filename: "/tmp/song.webm", Duration: 3 * time.Minute}, nil
	}}
	dl := NewDownloader(resolver, nil, 2, time.Hour)

	e := NewURLEntry(&MediaInfo{WebpageURL: "https://example.com/v/1"}, "https://example.com/v/1", nil, 0)
	e.Prepare(dl)

	// Display reads race the preparation goroutine's metadata refinement.
	reads := make(chan struct{})
	go func() {
		defer close(reads)
		for i := 0; i < 200; i++ {
			_ = e.Title()
			_ = e.Duration()
			_ = e.PlayableLocation()
		}
	}()
	close(release)
	<-reads

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))
	assert.Equal(t, "Resolved", e.Title())
	assert.Equal(t, 3*time.Minute, e.Duration())
}

func TestPrepare_ErrorPropagates(t *testing.T) {
	resolver := &fakeResolver{fn: func(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
		return nil, assert.AnError
	}}
	dl := NewDownloader(resolver, nil, 2, time.Hour)

	e := NewURLEntry(&MediaInfo{WebpageURL: "https://example.com/v/broken"}, "https://example.com/v/broken", nil, 0)
	e.Prepare(dl)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.WaitReady(ctx)
	require.Error(t, err)
	assert.True(t, IsUserError(err))
}

func TestWaitReady_ContextCancel(t *testing.T) {
	e := NewURLEntry(&MediaInfo{WebpageURL: "https://example.com/v/1"}, "", nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequeueAt(t *testing.T) {
	e := NewStreamEntry("ref", "title", "loc", nil, 0)
	e.IsStream = false

	e.RequeueAt(42 * time.Second)
	assert.Equal(t, 42*time.Second, e.SeekOffset())
	assert.True(t, e.Quiet())
}

func TestEntryRecord_RoundTrip(t *testing.T) {
	sub := &Submitter{ID: snowflake.ID(123), Name: "alice"}
	e := NewURLEntry(&MediaInfo{
		Title:      "Song",
		Duration:   200 * time.Second,
		WebpageURL: "https://example.com/v/1",
		Filename:   "/tmp/song.webm",
	}, "https://example.com/v/1", sub, snowflake.ID(456))
	e.RequeueAt(30 * time.Second)

	data, err := e.MarshalRecord()
	require.NoError(t, err)

	got, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v/1", got.SourceRef)
	assert.Equal(t, "Song", got.Title())
	assert.Equal(t, 200*time.Second, got.Duration())
	assert.Equal(t, 30*time.Second, got.SeekOffset())
	assert.Equal(t, "/tmp/song.webm", got.PlayableLocation())
	assert.False(t, got.IsStream)
	require.NotNil(t, got.Submitter)
	assert.Equal(t, snowflake.ID(123), got.Submitter.ID)
	assert.Equal(t, "alice", got.Submitter.Name)
	assert.Equal(t, snowflake.ID(456), got.OriginChannel)
}

func TestDecodeEntry_StreamReady(t *testing.T) {
	e := NewStreamEntry("https://radio.example/live", "Radio", "", nil, 0)
	data, err := e.MarshalRecord()
	require.NoError(t, err)

	got, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.True(t, got.IsStream)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, got.WaitReady(ctx))
}

func TestDecodeEntry_Sanitizing(t *testing.T) {
	_, err := DecodeEntry([]byte(`{"type":"url"}`))
	assert.Error(t, err, "missing source_ref must not decode")

	_, err = DecodeEntry([]byte(`not json`))
	assert.Error(t, err)

	got, err := DecodeEntry([]byte(`{"type":"url","source_ref":"x","duration_seconds":-5}`))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), got.Duration())

	got, err = DecodeEntry([]byte(`{"type":"url","source_ref":"x","duration_seconds":100,"seek_offset_seconds":500}`))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, got.SeekOffset(), "seek offset clamps to the duration")
}
