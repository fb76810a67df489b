// Package parser provides HLS playlist fetching and parsing functionality.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/streamrec/internal/retry"
	"github.com/agleyzer/streamrec/internal/variant"
	"github.com/grafov/m3u8"
)

const streamInfTag = "#EXT-X-STREAM-INF:"

var nameHasFrameRate = regexp.MustCompile(`p\d+$`)

// IsMaster reports whether content lists variant streams.
func IsMaster(content string) bool {
	return strings.Contains(content, streamInfTag)
}

// ParseMaster parses a master playlist and returns its variants sorted by
// bandwidth, highest first. Relative variant URIs are resolved against
// baseURL when it is non-empty. Content without #EXT-X-STREAM-INF tags
// yields an empty slice; it simply is not a master playlist.
func ParseMaster(content, baseURL string) []variant.Variant {
	if !IsMaster(content) {
		return nil
	}

	normalized, streamInfs := normalizeMaster(content)
	master := m3u8.NewMasterPlaylist()
	if err := master.DecodeFrom(strings.NewReader(normalized), false); err != nil {
		return nil
	}

	var variants []variant.Variant
	index := 0
	for _, mv := range master.Variants {
		if mv == nil || mv.Iframe {
			continue
		}
		// m3u8 keeps no unknown attributes, so provider names come from the
		// matching tag line.
		var attrs map[string]string
		if index < len(streamInfs) {
			attrs = parseAttributes(streamInfs[index])
		}
		index++

		if mv.URI == "" {
			continue
		}
		uri := mv.URI
		if baseURL != "" {
			if resolved, err := resolveURL(baseURL, uri); err == nil {
				uri = resolved
			}
		}

		v := variant.Variant{
			URI:       uri,
			Bandwidth: int(mv.Bandwidth),
			Codecs:    mv.Codecs,
			FrameRate: mv.FrameRate,
			Name:      providerName(attrs),
		}
		v.SetResolution(mv.Resolution)

		// Providers often drop the rate from the display name; put it back so
		// matching and filenames stay self-descriptive.
		if v.FrameRate > 0 && v.Name != "" && !nameHasFrameRate.MatchString(v.Name) {
			v.Name += strconv.Itoa(int(v.FrameRate))
		}

		variants = append(variants, v)
	}

	sort.SliceStable(variants, func(a, b int) bool {
		return variants[a].Bandwidth > variants[b].Bandwidth
	})
	return variants
}

// normalizeMaster drops blank lines and any #EXT-X-STREAM-INF tag that is
// followed by another one before its URI, so every remaining tag owns the
// next URI line. It returns the cleaned playlist and the attribute lists of
// the remaining tags in order.
func normalizeMaster(content string) (string, []string) {
	var (
		lines   []string
		infs    []string
		pending = -1
	)
	for _, raw := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, streamInfTag):
			if pending >= 0 {
				lines = append(lines[:pending], lines[pending+1:]...)
				infs = infs[:len(infs)-1]
			}
			pending = len(lines)
			infs = append(infs, strings.TrimPrefix(line, streamInfTag))
		case !strings.HasPrefix(line, "#"):
			pending = -1
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n") + "\n", infs
}

// providerName returns the first provider-specific name attribute present.
func providerName(attrs map[string]string) string {
	for _, key := range []string{"IVS-NAME", "STABLE-VARIANT-ID"} {
		if v, ok := attrs[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// parseAttributes splits an HLS attribute list into a map. Commas inside
// quoted values (CODECS="avc1,mp4a") do not split; quotes are stripped.
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	var (
		field   strings.Builder
		inQuote bool
	)
	flush := func() {
		key, value, ok := strings.Cut(field.String(), "=")
		field.Reset()
		if !ok {
			return
		}
		attrs[strings.ToUpper(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	for _, r := range list {
		switch {
		case r == '"':
			inQuote = !inQuote
			field.WriteRune(r)
		case r == ',' && !inQuote:
			flush()
		default:
			field.WriteRune(r)
		}
	}
	flush()
	return attrs
}

// PlaylistInfo summarizes a media playlist.
type PlaylistInfo struct {
	// IsMaster indicates whether this is a master playlist with multiple variants
	IsMaster bool

	// Live is true when the media playlist has no #EXT-X-ENDLIST
	Live bool

	// Segments is the number of segments in a media playlist
	Segments int

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int
}

// Inspect decodes a playlist leniently and reports its shape.
func Inspect(content string) (*PlaylistInfo, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(content), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		return &PlaylistInfo{IsMaster: true}, nil
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	info := &PlaylistInfo{
		Live:           !mediaPlaylist.Closed,
		TargetDuration: int(mediaPlaylist.TargetDuration),
	}
	maxDuration := 0.0
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		info.Segments++
		if seg.Duration > maxDuration {
			maxDuration = seg.Duration
		}
	}
	if info.TargetDuration == 0 && info.Segments > 0 {
		// If target duration is not set, use the max segment duration
		info.TargetDuration = int(maxDuration) + 1
	}
	return info, nil
}

// HLS exposes the package parsers as a value for callers that take them
// through an interface.
type HLS struct{}

// ParseMaster returns the variants of a master playlist, or false when the
// content lists no variants.
func (HLS) ParseMaster(content, baseURL string) ([]variant.Variant, bool) {
	if !IsMaster(content) {
		return nil, false
	}
	variants := ParseMaster(content, baseURL)
	return variants, len(variants) > 0
}

// Inspect summarizes a media playlist.
func (HLS) Inspect(content string) (*PlaylistInfo, error) {
	return Inspect(content)
}

// Fetcher downloads playlist bodies.
type Fetcher struct {
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewFetcher creates a Fetcher. A nil client gets a 10 second timeout.
func NewFetcher(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Fetcher{
		client: client,
		policy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    time.Second,
		},
		logger: logger,
	}
}

// Fetch returns the playlist body at playlistURL.
func (f *Fetcher) Fetch(ctx context.Context, playlistURL string) (string, error) {
	res := retry.Do(ctx, f.policy, func(ctx context.Context) (string, error) {
		return f.fetchOnce(ctx, playlistURL)
	})
	if !res.OK() {
		return "", res.Err
	}
	if res.Attempts > 1 {
		f.logger.Debug("fetched playlist after retry", "url", playlistURL, "attempts", res.Attempts)
	}
	return res.Value, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, playlistURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid playlist request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("failed to fetch playlist: HTTP %d: not found or forbidden", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}
	return string(body), nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}
