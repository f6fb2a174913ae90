package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Queue Entries
// ===========================

const (
	entryTypeURL    = "url"
	entryTypeStream = "stream"
)

// Submitter identifies the user who queued an entry.
type Submitter struct {
	ID   snowflake.ID
	Name string
}

// QueueEntry is one playable item: its origin reference, display metadata,
// and the resolved location playback reads from. URL entries resolve to a
// local file in the audio cache; stream entries resolve to a direct,
// non-seekable stream URL.
//
// Background preparation refines the metadata after the entry is already
// queued and visible, so everything mutable lives behind the mutex and is
// read through the accessor methods.
type QueueEntry struct {
	SourceRef     string
	IsStream      bool
	Submitter     *Submitter
	OriginChannel snowflake.ID

	mu       sync.Mutex
	title    string
	duration time.Duration
	playable string
	seek     time.Duration
	quiet    bool
	err      error
	done     chan struct{}
	prepared bool
}

// NewURLEntry builds a downloadable entry from resolved metadata. The entry
// is not ready until Prepare has fetched the media.
func NewURLEntry(info *MediaInfo, ref string, sub *Submitter, channel snowflake.ID) *QueueEntry {
	source := ref
	if info.WebpageURL != "" {
		source = info.WebpageURL
	}
	title := info.Title
	if title == "" {
		title = source
	}
	return &QueueEntry{
		SourceRef:     source,
		Submitter:     sub,
		OriginChannel: channel,
		title:         title,
		duration:      info.Duration,
		playable:      info.Filename,
		done:          make(chan struct{}),
	}
}

// NewStreamEntry builds a live/raw stream entry. Streams need no download, so
// the entry is ready immediately.
func NewStreamEntry(ref, title, location string, sub *Submitter, channel snowflake.ID) *QueueEntry {
	if title == "" {
		title = ref
	}
	if location == "" {
		location = ref
	}
	e := &QueueEntry{
		SourceRef:     ref,
		IsStream:      true,
		Submitter:     sub,
		OriginChannel: channel,
		title:         title,
		playable:      location,
		done:          make(chan struct{}),
	}
	e.MarkReady()
	return e
}

// Title returns the display title. Preparation may refine it when the
// initial resolve produced nothing better than the reference itself.
func (e *QueueEntry) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title
}

// Duration returns the known media length, zero when unknown.
func (e *QueueEntry) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// PlayableLocation returns the resolved file path or stream URL.
func (e *QueueEntry) PlayableLocation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playable
}

// SeekOffset returns the position playback should start from.
func (e *QueueEntry) SeekOffset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seek
}

// Quiet reports whether the next "now playing" notification is suppressed.
func (e *QueueEntry) Quiet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quiet
}

// Seekable reports whether the entry supports seeking. Live streams do not.
func (e *QueueEntry) Seekable() bool { return !e.IsStream }

// Prepare starts fetching the entry's media in the background, exactly once.
// Stream entries are ready from construction and ignore the call.
func (e *QueueEntry) Prepare(d *Downloader) {
	e.mu.Lock()
	if e.prepared || e.IsStream {
		e.mu.Unlock()
		return
	}
	e.prepared = true
	ref := e.SourceRef
	e.mu.Unlock()

	safeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		info, err := d.ExtractInfo(ctx, ref, true, false)
		if err != nil {
			e.MarkError(err)
			return
		}
		e.mu.Lock()
		if info.Filename != "" {
			e.playable = info.Filename
		}
		if e.title == "" || e.title == e.SourceRef {
			e.title = info.Title
		}
		if e.duration == 0 {
			e.duration = info.Duration
		}
		e.mu.Unlock()
		e.MarkReady()
	})
}

// MarkReady marks the entry playable. Safe to call at most once against
// MarkError; later calls are ignored.
func (e *QueueEntry) MarkReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	close(e.done)
}

// MarkError marks the entry failed.
func (e *QueueEntry) MarkError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.err = err
	close(e.done)
}

// WaitReady blocks until the entry is playable, failed, or ctx is done.
func (e *QueueEntry) WaitReady(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the readiness error, if any.
func (e *QueueEntry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// RequeueAt records a resume offset and silences the next "now playing"
// notification, used when the entry goes back to the queue front after a
// seek or a player teardown.
func (e *QueueEntry) RequeueAt(offset time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seek = offset
	e.quiet = true
}

// ===========================
// Durable Representation
// ===========================

type entryRecord struct {
	Type          string       `json:"type"`
	SourceRef     string       `json:"source_ref"`
	Title         string       `json:"title"`
	DurationSecs  int64        `json:"duration_seconds"`
	Playable      string       `json:"playable_location"`
	SeekSecs      int64        `json:"seek_offset_seconds"`
	SubmitterID   snowflake.ID `json:"submitter_id,omitempty"`
	SubmitterName string       `json:"submitter_name,omitempty"`
	ChannelID     snowflake.ID `json:"channel_id,omitempty"`
}

// MarshalRecord serializes the entry for the durable queue list.
func (e *QueueEntry) MarshalRecord() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := entryRecord{
		Type:         entryTypeURL,
		SourceRef:    e.SourceRef,
		Title:        e.title,
		DurationSecs: int64(e.duration / time.Second),
		Playable:     e.playable,
		SeekSecs:     int64(e.seek / time.Second),
		ChannelID:    e.OriginChannel,
	}
	if e.IsStream {
		rec.Type = entryTypeStream
	}
	if e.Submitter != nil {
		rec.SubmitterID = e.Submitter.ID
		rec.SubmitterName = e.Submitter.Name
	}
	return json.Marshal(rec)
}

// DecodeEntry reconstructs an entry from its durable representation. URL
// entries come back unprepared and will re-fetch their media on first use.
func DecodeEntry(data []byte) (*QueueEntry, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt queue record: %w", err)
	}
	if rec.SourceRef == "" {
		return nil, fmt.Errorf("queue record missing source_ref")
	}
	if rec.DurationSecs < 0 {
		rec.DurationSecs = 0
	}
	if rec.DurationSecs > 0 && rec.SeekSecs > rec.DurationSecs {
		rec.SeekSecs = rec.DurationSecs
	}

	var sub *Submitter
	if rec.SubmitterID != 0 {
		sub = &Submitter{ID: rec.SubmitterID, Name: rec.SubmitterName}
	}

	e := &QueueEntry{
		SourceRef:     rec.SourceRef,
		IsStream:      rec.Type == entryTypeStream,
		Submitter:     sub,
		OriginChannel: rec.ChannelID,
		title:         rec.Title,
		duration:      time.Duration(rec.DurationSecs) * time.Second,
		playable:      rec.Playable,
		seek:          time.Duration(rec.SeekSecs) * time.Second,
		done:          make(chan struct{}),
	}
	if e.IsStream {
		e.MarkReady()
	}
	return e, nil
}
