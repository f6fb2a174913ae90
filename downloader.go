package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ===========================
// Media Resolution
// ===========================

const (
	mediaTypeVideo    = "video"
	mediaTypeSearch   = "search"
	mediaTypePlaylist = "playlist"
	mediaTypeGeneric  = "generic"
)

// MediaInfo is the resolved result for one reference. Collections carry
// their children in Entries; deferred searches carry only the search term
// until re-resolved with process=true.
type MediaInfo struct {
	Type       string
	Extractor  string
	ID         string
	Title      string
	Duration   time.Duration
	WebpageURL string
	StreamURL  string
	Filename   string
	IsLive     bool
	SearchTerm string
	Entries    []MediaInfo
}

// IsSearch reports whether the result is a deferred search marker rather
// than concrete media.
func (m *MediaInfo) IsSearch() bool { return m.Type == mediaTypeSearch }

// IsCollection reports whether the result expands into multiple items.
func (m *MediaInfo) IsCollection() bool {
	return m.Type == mediaTypePlaylist || len(m.Entries) > 0
}

// MediaResolver resolves a reference into playable metadata. The production
// implementation shells out to yt-dlp; tests inject fakes.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string, download, process bool) (*MediaInfo, error)
}

// ===========================
// Downloader
// ===========================

// Downloader fronts the resolver with a durable result cache and a bounded
// worker pool so heavy extractions never monopolize command handling.
type Downloader struct {
	resolver MediaResolver
	rdb      *redis.Client
	sem      chan struct{}
	limiter  *rate.Limiter
	cacheTTL time.Duration
}

func NewDownloader(resolver MediaResolver, rdb *redis.Client, maxWorkers int, cacheTTL time.Duration) *Downloader {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Downloader{
		resolver: resolver,
		rdb:      rdb,
		sem:      make(chan struct{}, maxWorkers),
		limiter:  rate.NewLimiter(rate.Limit(4), 8),
		cacheTTL: cacheTTL,
	}
}

// ExtractInfo resolves ref, serving cached results when safe. The cache is
// skipped on read when download is requested (stale metadata must never
// stand in for fetched media), and never written for deferred searches.
func (d *Downloader) ExtractInfo(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
	deferred := isSearchRef(ref)

	if !download && !deferred {
		if info := d.readCache(ctx, ref, process); info != nil {
			return info, nil
		}
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	info, err := d.resolver.Resolve(ctx, ref, download, process)
	if err != nil {
		return nil, NewExtractionError(ref, err)
	}
	if info == nil {
		return nil, NewExtractionError(ref, errors.New("resolver returned no result"))
	}

	if !deferred && !info.IsSearch() {
		d.writeCache(ctx, ref, process, info)
	}
	return info, nil
}

func cacheKey(ref string, process bool) string {
	sum := md5.Sum([]byte(ref))
	key := "musicbot:cache:" + hex.EncodeToString(sum[:])
	if process {
		key += ":processed"
	}
	return key
}

func (d *Downloader) readCache(ctx context.Context, ref string, process bool) *MediaInfo {
	if d.rdb == nil {
		return nil
	}
	data, err := d.rdb.Get(ctx, cacheKey(ref, process)).Bytes()
	if err != nil {
		return nil
	}
	var info MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		LogMusic("Dropping corrupt cache entry for %s: %v", ref, err)
		return nil
	}
	return &info
}

func (d *Downloader) writeCache(ctx context.Context, ref string, process bool, info *MediaInfo) {
	if d.rdb == nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := d.rdb.Set(ctx, cacheKey(ref, process), data, d.cacheTTL).Err(); err != nil {
		LogMusic("Failed to cache extraction for %s: %v", ref, err)
	}
}

// isSearchRef reports whether ref is a search-intent reference rather than
// a URL. Search results are never cached: the "best match" for a free-text
// query drifts too fast to pin for a day.
func isSearchRef(ref string) bool {
	return strings.HasPrefix(ref, "ytsearch") || strings.HasPrefix(ref, "ytmsearch")
}

var searchRefRegex = regexp.MustCompile(`^(ytsearch|ytmsearch)(\d*):(.+)$`)

func parseSearchRef(ref string) (query string, limit int, ok bool) {
	m := searchRefRegex.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, false
	}
	limit = 1
	if m[2] != "" {
		limit, _ = strconv.Atoi(m[2])
	}
	return strings.TrimSpace(m[3]), limit, true
}

// probeContentType fetches the Content-Type header for a resolved URL,
// trying HEAD first and falling back to a ranged GET for servers that
// reject HEAD.
func probeContentType(ctx context.Context, rawURL string) (string, error) {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return "", err
		}
		if method == http.MethodGet {
			req.Header.Set("Range", "bytes=0-0")
		}
		resp, err := HttpClient.Do(req)
		if err != nil {
			continue
		}
		ct := resp.Header.Get("Content-Type")
		resp.Body.Close()
		if ct != "" {
			return ct, nil
		}
	}
	return "", fmt.Errorf("no content type for %s", rawURL)
}

// ===========================
// yt-dlp Resolver
// ===========================

type ytdlpResolver struct {
	downloadDir string
}

func NewYtdlpResolver(downloadDir string) MediaResolver {
	return &ytdlpResolver{downloadDir: downloadDir}
}

func (r *ytdlpResolver) Resolve(ctx context.Context, ref string, download, process bool) (*MediaInfo, error) {
	if query, limit, ok := parseSearchRef(ref); ok {
		if !process {
			return &MediaInfo{Type: mediaTypeSearch, SearchTerm: query}, nil
		}
		return r.resolveSearch(ctx, query, limit)
	}
	if isCollectionRef(ref) {
		return r.resolveCollection(ctx, ref)
	}
	return r.resolveSingle(ctx, ref, download)
}

// isCollectionRef spots playlist/set/album URLs before shelling out, since
// flat expansion needs different flags than single-item extraction.
func isCollectionRef(ref string) bool {
	lower := strings.ToLower(ref)
	for _, marker := range []string{"list=", "/playlist", "/sets/", "/album/", "/album?"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// collectionNeedsItemResolution reports whether a collection's flat listing
// is too thin to queue from directly, so each item must be resolved on its
// own. SoundCloud sets and Bandcamp albums only list opaque item ids.
func collectionNeedsItemResolution(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.Contains(lower, "/sets/") || strings.Contains(lower, "/album")
}

func (r *ytdlpResolver) resolveSingle(ctx context.Context, ref string, download bool) (*MediaInfo, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	if !download {
		args = append(args, "--skip-download")
	}

	res, err := cmd.
		Print("%(webpage_url)s\t%(title)s\t%(duration)s\t%(id)s\t%(extractor_key)s\t%(is_live)s\t%(url)s\t%(filename)s").
		Output(filepath.Join(r.downloadDir, "%(extractor)s-%(id)s.%(ext)s")).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, ref)...)
	if err != nil {
		if res != nil {
			LogMusic("yt-dlp extraction failed: %v, stderr: %s (ref: %s)", err, res.Stderr, ref)
		}
		return nil, err
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 8 {
			continue
		}
		dur, _ := time.ParseDuration(ps[2] + "s")
		info := &MediaInfo{
			Type:       mediaTypeVideo,
			Extractor:  ps[4],
			ID:         ps[3],
			Title:      cleanYtdlpField(ps[1]),
			Duration:   dur,
			WebpageURL: ps[0],
			StreamURL:  ps[6],
			Filename:   cleanYtdlpField(ps[7]),
			IsLive:     strings.EqualFold(ps[5], "true"),
		}
		if strings.EqualFold(info.Extractor, "generic") {
			info.Type = mediaTypeGeneric
		}
		return info, nil
	}
	return nil, errors.New("failed to parse extraction output")
}

func (r *ytdlpResolver) resolveCollection(ctx context.Context, ref string) (*MediaInfo, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(duration)s\t%(id)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--yes-playlist", ref)...)
	if err != nil {
		return nil, err
	}

	info := &MediaInfo{Type: mediaTypePlaylist, WebpageURL: ref}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		dur, _ := time.ParseDuration(ps[2] + "s")
		info.Entries = append(info.Entries, MediaInfo{
			Type:       mediaTypeVideo,
			ID:         ps[3],
			Title:      cleanYtdlpField(ps[1]),
			Duration:   dur,
			WebpageURL: ps[0],
		})
	}
	if len(info.Entries) == 0 {
		return nil, errors.New("collection contained no items")
	}
	return info, nil
}

func (r *ytdlpResolver) resolveSearch(ctx context.Context, query string, limit int) (*MediaInfo, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", limit, query))...)
	if err != nil {
		return nil, err
	}

	info := &MediaInfo{Type: mediaTypeSearch, SearchTerm: query}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		dur, _ := time.ParseDuration(ps[3] + "s")
		info.Entries = append(info.Entries, MediaInfo{
			Type:       mediaTypeVideo,
			Title:      cleanYtdlpField(ps[1]),
			Duration:   dur,
			WebpageURL: ps[0],
		})
	}
	return info, nil
}

// cleanYtdlpField normalizes yt-dlp's "NA" placeholder to an empty string.
func cleanYtdlpField(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}
