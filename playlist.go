package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
)

// ===========================
// Playlist
// ===========================

// Playlist is one guild's ordered queue of entries, mirrored to a redis
// list so it survives restarts. All durable writes funnel through a single
// goroutine: callers never block on redis, but writes land in the exact
// order the mutations happened.
type Playlist struct {
	GuildID snowflake.ID

	dl  *Downloader
	rdb *redis.Client

	mu      sync.RWMutex
	entries []*QueueEntry

	// OnAdded and OnFailed fire outside the queue lock.
	OnAdded  func(e *QueueEntry, position int)
	OnFailed func(e *QueueEntry, err error)

	persistCh chan [][]byte
	persistWG sync.WaitGroup
	closeOnce sync.Once
}

func NewPlaylist(guildID snowflake.ID, dl *Downloader, rdb *redis.Client) *Playlist {
	pl := &Playlist{
		GuildID:   guildID,
		dl:        dl,
		rdb:       rdb,
		persistCh: make(chan [][]byte, 64),
	}
	pl.persistWG.Add(1)
	safeGo(pl.persistLoop)
	return pl
}

func (pl *Playlist) queueKey() string {
	return fmt.Sprintf("music:queue:%d", pl.GuildID)
}

// Close flushes pending durable writes and stops the persist goroutine.
func (pl *Playlist) Close() {
	pl.closeOnce.Do(func() { close(pl.persistCh) })
	pl.persistWG.Wait()
}

func (pl *Playlist) persistLoop() {
	defer pl.persistWG.Done()
	for records := range pl.persistCh {
		pl.writeSnapshot(records)
	}
}

func (pl *Playlist) writeSnapshot(records [][]byte) {
	if pl.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := pl.rdb.TxPipeline()
	pipe.Del(ctx, pl.queueKey())
	for _, rec := range records {
		pipe.RPush(ctx, pl.queueKey(), rec)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		LogMusic("Failed to persist queue for guild %d: %v", pl.GuildID, err)
	}
}

// snapshotLocked serializes the current queue. Callers hold pl.mu.
func (pl *Playlist) snapshotLocked() [][]byte {
	records := make([][]byte, 0, len(pl.entries))
	for _, e := range pl.entries {
		rec, err := e.MarshalRecord()
		if err != nil {
			LogMusic("Skipping unserializable entry %s: %v", e.Title(), err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (pl *Playlist) enqueuePersist(records [][]byte) {
	defer func() { recover() }() // racing a Close is a lost write, not a crash
	pl.persistCh <- records
}

// PersistSolo replaces the durable queue with entry as its only element,
// used when the player dies mid-song and the interrupted entry must be the
// first thing restored.
func (pl *Playlist) PersistSolo(e *QueueEntry) {
	rec, err := e.MarshalRecord()
	if err != nil {
		LogMusic("Failed to serialize interrupted entry %s: %v", e.Title(), err)
		return
	}
	pl.enqueuePersist([][]byte{rec})
}

// ===========================
// Adding Entries
// ===========================

// AddEntry resolves ref and queues the result. Deferred searches are
// re-resolved to their best match and recursed once; collections are
// rejected with the URL the caller should import instead. asStream forces
// passthrough-stream treatment even when the source resolves to a normal
// downloadable item.
func (pl *Playlist) AddEntry(ctx context.Context, ref string, sub *Submitter, channel snowflake.ID, prepend, asStream bool) (*QueueEntry, int, error) {
	return pl.addEntry(ctx, ref, sub, channel, prepend, asStream, true)
}

func (pl *Playlist) addEntry(ctx context.Context, ref string, sub *Submitter, channel snowflake.ID, prepend, asStream, allowSearch bool) (*QueueEntry, int, error) {
	info, err := pl.dl.ExtractInfo(ctx, ref, false, false)
	if err != nil {
		return nil, 0, err
	}

	if info.IsSearch() {
		if !allowSearch {
			return nil, 0, NewExtractionError(ref, errors.New("search resolution did not converge"))
		}
		resolved, err := pl.dl.ExtractInfo(ctx, ref, false, true)
		if err != nil {
			return nil, 0, err
		}
		if len(resolved.Entries) == 0 {
			return nil, 0, NewExtractionError(ref, errors.New("no results found"))
		}
		return pl.addEntry(ctx, resolved.Entries[0].WebpageURL, sub, channel, prepend, asStream, false)
	}

	if asStream || info.IsLive {
		return pl.AddStreamEntry(ctx, ref, info, sub, channel, prepend)
	}

	if info.IsCollection() {
		return nil, 0, &WrongEntryTypeError{
			IsCollection: true,
			UseURL:       firstNonEmpty(info.WebpageURL, ref),
		}
	}

	if info.Type == mediaTypeGeneric {
		ct, err := probeContentType(ctx, firstNonEmpty(info.StreamURL, info.WebpageURL, ref))
		if err != nil {
			return nil, 0, NewExtractionError(ref, err)
		}
		ct = strings.ToLower(ct)
		switch {
		case strings.Contains(ct, "/ogg"):
			// audio despite the application/ prefix
		case strings.HasPrefix(ct, "application/"), strings.HasPrefix(ct, "image/"):
			return nil, 0, NewExtractionError(ref, fmt.Errorf("content type %q is not playable", ct))
		case strings.HasPrefix(ct, "text/html"):
			return pl.AddStreamEntry(ctx, ref, info, sub, channel, prepend)
		}
	}

	entry := NewURLEntry(info, ref, sub, channel)
	pos := pl.insert(entry, prepend)
	return entry, pos, nil
}

// AddStreamEntry queues a live or unresolvable source for passthrough
// playback. info may be nil when the source defeated extraction entirely.
func (pl *Playlist) AddStreamEntry(ctx context.Context, ref string, info *MediaInfo, sub *Submitter, channel snowflake.ID, prepend bool) (*QueueEntry, int, error) {
	var title, location string
	if info != nil {
		title = info.Title
		location = info.StreamURL
	}
	entry := NewStreamEntry(ref, title, firstNonEmpty(location, ref), sub, channel)
	pos := pl.insert(entry, prepend)
	return entry, pos, nil
}

// ImportFrom expands a collection reference and queues every resolvable
// item, returning the queued entries and the count of items it had to skip.
func (pl *Playlist) ImportFrom(ctx context.Context, ref string, sub *Submitter, channel snowflake.ID) ([]*QueueEntry, int, error) {
	info, err := pl.dl.ExtractInfo(ctx, ref, false, true)
	if err != nil {
		return nil, 0, err
	}
	if !info.IsCollection() {
		entry, _, err := pl.addEntry(ctx, ref, sub, channel, false, false, true)
		if err != nil {
			return nil, 0, err
		}
		return []*QueueEntry{entry}, 0, nil
	}

	added := make([]*QueueEntry, 0, len(info.Entries))
	skipped := 0
	for i := range info.Entries {
		item := &info.Entries[i]
		if item.WebpageURL == "" {
			skipped++
			continue
		}
		added = append(added, NewURLEntry(item, item.WebpageURL, sub, channel))
	}
	if len(added) == 0 {
		return nil, skipped, NewExtractionError(ref, errors.New("no playable items in collection"))
	}

	pl.mu.Lock()
	base := len(pl.entries)
	pl.entries = append(pl.entries, added...)
	records := pl.snapshotLocked()
	pl.mu.Unlock()
	pl.enqueuePersist(records)

	for i, e := range added {
		pl.notifyAdded(e, base+i+1)
	}
	pl.prefetch()
	return added, skipped, nil
}

// ProcessCollection expands a collection item by item, funneling each one
// through the normal add path so classification and persistence match
// singly-queued entries. Used for sources whose flat listing carries no
// usable metadata. Item failures are counted, never fatal.
func (pl *Playlist) ProcessCollection(ctx context.Context, ref string, sub *Submitter, channel snowflake.ID) ([]*QueueEntry, int, error) {
	info, err := pl.dl.ExtractInfo(ctx, ref, false, true)
	if err != nil {
		return nil, 0, err
	}
	if !info.IsCollection() {
		entry, _, err := pl.addEntry(ctx, ref, sub, channel, false, false, true)
		if err != nil {
			return nil, 0, err
		}
		return []*QueueEntry{entry}, 0, nil
	}

	added := make([]*QueueEntry, 0, len(info.Entries))
	skipped := 0
	for i := range info.Entries {
		item := &info.Entries[i]
		if item.WebpageURL == "" {
			skipped++
			continue
		}
		entry, _, err := pl.addEntry(ctx, item.WebpageURL, sub, channel, false, false, false)
		if err != nil {
			LogMusic("Skipping collection item %s: %v", item.WebpageURL, err)
			skipped++
			continue
		}
		added = append(added, entry)
	}
	if len(added) == 0 {
		return nil, skipped, NewExtractionError(ref, errors.New("no playable items in collection"))
	}
	return added, skipped, nil
}

func (pl *Playlist) insert(entry *QueueEntry, prepend bool) int {
	pl.mu.Lock()
	var pos int
	if prepend {
		pl.entries = append([]*QueueEntry{entry}, pl.entries...)
		pos = 1
	} else {
		pl.entries = append(pl.entries, entry)
		pos = len(pl.entries)
	}
	records := pl.snapshotLocked()
	pl.mu.Unlock()

	pl.enqueuePersist(records)
	pl.notifyAdded(entry, pos)
	if pos <= 2 {
		entry.Prepare(pl.dl)
	}
	return pos
}

// PushFront puts an entry back at the head of the queue without firing the
// added notification, used for seeks and restores.
func (pl *Playlist) PushFront(entry *QueueEntry) {
	pl.mu.Lock()
	pl.entries = append([]*QueueEntry{entry}, pl.entries...)
	records := pl.snapshotLocked()
	pl.mu.Unlock()
	pl.enqueuePersist(records)
	entry.Prepare(pl.dl)
}

func (pl *Playlist) notifyAdded(entry *QueueEntry, pos int) {
	if pl.OnAdded == nil {
		return
	}
	cb := pl.OnAdded
	safeGo(func() { cb(entry, pos) })
}

// prefetch kicks background preparation for the first two queued entries.
func (pl *Playlist) prefetch() {
	pl.mu.RLock()
	head := make([]*QueueEntry, 0, 2)
	for i := 0; i < len(pl.entries) && i < 2; i++ {
		head = append(head, pl.entries[i])
	}
	pl.mu.RUnlock()
	for _, e := range head {
		e.Prepare(pl.dl)
	}
}

// ===========================
// Consuming Entries
// ===========================

// GetNextEntry pops the queue head and blocks until it is playable. Entries
// whose preparation failed are reported and skipped, and the next one is
// tried, until the queue empties or an entry comes up ready. A nil entry
// with a nil error means the queue is empty.
func (pl *Playlist) GetNextEntry(ctx context.Context) (*QueueEntry, error) {
	for {
		pl.mu.Lock()
		if len(pl.entries) == 0 {
			pl.mu.Unlock()
			return nil, nil
		}
		entry := pl.entries[0]
		pl.entries = pl.entries[1:]
		var next *QueueEntry
		if len(pl.entries) > 0 {
			next = pl.entries[0]
		}
		records := pl.snapshotLocked()
		pl.mu.Unlock()
		pl.enqueuePersist(records)

		entry.Prepare(pl.dl)
		if next != nil {
			next.Prepare(pl.dl)
		}

		if err := entry.WaitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			LogMusic("Skipping entry %s: %v", entry.Title(), err)
			if pl.OnFailed != nil {
				cb := pl.OnFailed
				safeGo(func() { cb(entry, err) })
			}
			continue
		}
		return entry, nil
	}
}

// Peek returns the queue head without removing it.
func (pl *Playlist) Peek() *QueueEntry {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	if len(pl.entries) == 0 {
		return nil
	}
	return pl.entries[0]
}

// Entries returns a copy of the queued entries in order.
func (pl *Playlist) Entries() []*QueueEntry {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return append([]*QueueEntry(nil), pl.entries...)
}

// Len returns the number of queued entries.
func (pl *Playlist) Len() int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return len(pl.entries)
}

// ===========================
// Reordering and Clearing
// ===========================

// Shuffle randomizes the queue order.
func (pl *Playlist) Shuffle() {
	pl.shuffleWith(rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (pl *Playlist) shuffleWith(r *rand.Rand) {
	pl.mu.Lock()
	r.Shuffle(len(pl.entries), func(i, j int) {
		pl.entries[i], pl.entries[j] = pl.entries[j], pl.entries[i]
	})
	records := pl.snapshotLocked()
	pl.mu.Unlock()
	pl.enqueuePersist(records)
}

// Clear drops every queued entry and returns how many were removed.
func (pl *Playlist) Clear() int {
	pl.mu.Lock()
	n := len(pl.entries)
	pl.entries = nil
	records := pl.snapshotLocked()
	pl.mu.Unlock()
	pl.enqueuePersist(records)
	return n
}

// ===========================
// Restore and Telemetry
// ===========================

// LoadSaved restores the queue from its durable mirror, dropping records
// that no longer decode. It replaces the in-memory queue wholesale and is
// meant to run once, before the guild's player starts.
func (pl *Playlist) LoadSaved(ctx context.Context) (int, error) {
	if pl.rdb == nil {
		return 0, nil
	}
	raw, err := pl.rdb.LRange(ctx, pl.queueKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	restored := make([]*QueueEntry, 0, len(raw))
	for _, data := range raw {
		entry, err := DecodeEntry([]byte(data))
		if err != nil {
			LogMusic("Dropping undecodable saved entry for guild %d: %v", pl.GuildID, err)
			continue
		}
		restored = append(restored, entry)
	}

	pl.mu.Lock()
	pl.entries = restored
	pl.mu.Unlock()
	pl.prefetch()
	return len(restored), nil
}

// RecordPlayed bumps the play counter for a source reference.
func (pl *Playlist) RecordPlayed(ref string) {
	if pl.rdb == nil || ref == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pl.rdb.HIncrBy(ctx, "music:played", ref, 1).Err(); err != nil {
		LogMusic("Failed to record play for %s: %v", ref, err)
	}
}

// EstimateTimeUntil returns how long until the entry at the given 1-based
// queue position starts, assuming no skips: the durations of everything
// ahead of it plus whatever remains of the active song.
func (pl *Playlist) EstimateTimeUntil(position int, p *Player) time.Duration {
	var total time.Duration

	pl.mu.RLock()
	for i := 0; i < position-1 && i < len(pl.entries); i++ {
		total += pl.entries[i].Duration()
	}
	pl.mu.RUnlock()

	if p != nil && p.IsActive() {
		total += p.Remaining()
	}
	return total
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
