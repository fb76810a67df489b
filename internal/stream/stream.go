// Package stream classifies browser network traffic into media stream events.
package stream

import (
	"strings"
	"time"
)

// Type is the container family guessed from a URL.
type Type string

const (
	TypeHLS     Type = "HLS"
	TypeDASH    Type = "DASH"
	TypeMP4     Type = "MP4"
	TypeUnknown Type = "UNKNOWN"
)

// HLSMIMEType is assumed for paused requests, which carry no response yet.
const HLSMIMEType = "application/vnd.apple.mpegurl"

// Source identifies which observer produced an event.
type Source string

const (
	SourcePush Source = "cdp"
	SourcePoll Source = "perflog"
)

// Event is a qualifying network observation. It is produced by a listener and
// consumed once by the detection coordinator.
type Event struct {
	URL        string    `json:"url"`
	MIMEType   string    `json:"mime_type"`
	Type       Type      `json:"type"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Key identifies an event for deduplication; the observation time is not part of it.
type Key struct {
	URL      string
	MIMEType string
}

// Key returns the dedup key for e.
func (e Event) Key() Key {
	return Key{URL: e.URL, MIMEType: e.MIMEType}
}

// NewEvent builds an event, deriving Type from the URL and falling back to
// the MIME type for URLs without a recognizable extension.
func NewEvent(url, mimeType string, source Source, at time.Time) Event {
	typ := TypeOf(url)
	if typ == TypeUnknown {
		typ = TypeOfMIME(mimeType)
	}
	return Event{
		URL:        url,
		MIMEType:   mimeType,
		Type:       typ,
		Source:     source,
		ObservedAt: at,
	}
}

var (
	playlistExtensions = []string{".m3u8", ".mpd"}
	playlistMIMETypes  = []string{
		"application/vnd.apple.mpegurl",
		"application/dash+xml",
		"application/x-mpegurl",
		"vnd.apple.mpegurl",
	}
	adKeywords = []string{"doubleclick", "analytics", "tracking"}

	// providerHost serves master playlists from an API path without a
	// conventional file name.
	providerHost = "usher.ttvnw.net"
)

// IsVideoStream reports whether a response looks like a stream playlist.
// Individual media segments are always rejected.
func IsVideoStream(url, mimeType string) bool {
	u := strings.ToLower(url)
	mime := strings.ToLower(mimeType)

	if strings.HasSuffix(u, ".ts") || strings.HasSuffix(u, ".m4s") || strings.Contains(u, "/segment/") {
		return false
	}

	if strings.Contains(u, providerHost) && strings.Contains(u, ".m3u8") {
		return true
	}

	if hasPlaylistExtension(u) || containsAny(mime, playlistMIMETypes) {
		return !containsAny(u, adKeywords)
	}

	return strings.Contains(u, "playlist") && strings.Contains(u, ".m3u8")
}

func hasPlaylistExtension(u string) bool {
	for _, ext := range playlistExtensions {
		if strings.HasSuffix(u, ext) || strings.Contains(u, ext+"?") {
			return true
		}
	}
	return false
}

// IsLikelyMaster guesses from URL keywords alone whether a playlist lists variants.
func IsLikelyMaster(url string) bool {
	return containsAny(strings.ToLower(url), []string{"usher", "master", "/playlist.m3u8", "/index.m3u8", "api"})
}

// IsLikelyMedia guesses from URL keywords alone whether a playlist is a
// per-rendition chunk list.
func IsLikelyMedia(url string) bool {
	return containsAny(strings.ToLower(url), []string{"/chunklist", "/media_", "/segment"})
}

// ShouldProcessPaused decides whether a paused request, seen before any
// response body or MIME type exists, is worth handing to detection. Only
// likely masters qualify, or the very first playlist when nothing has been
// seen yet.
func ShouldProcessPaused(url string, nothingSeenYet bool) bool {
	if !strings.Contains(strings.ToLower(url), "m3u8") {
		return false
	}
	if IsLikelyMedia(url) {
		return false
	}
	return IsLikelyMaster(url) || nothingSeenYet
}

// TypeOf guesses the stream container from the URL.
func TypeOf(url string) Type {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, ".m3u8"):
		return TypeHLS
	case strings.Contains(u, ".mpd"):
		return TypeDASH
	case strings.Contains(u, ".mp4"):
		return TypeMP4
	default:
		return TypeUnknown
	}
}

// TypeOfMIME guesses the stream container from a response MIME type.
func TypeOfMIME(mimeType string) Type {
	m := strings.ToLower(mimeType)
	switch {
	case strings.Contains(m, "mpegurl"):
		return TypeHLS
	case strings.Contains(m, "dash+xml"):
		return TypeDASH
	case strings.Contains(m, "video/mp4"):
		return TypeMP4
	default:
		return TypeUnknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
