// Package variant defines data structures for HLS variant streams in master playlists.
package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Variant represents a single rendition listed in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type Variant struct {
	// URI is the variant's media playlist URL, resolved against the master URL when possible
	URI string `json:"url"`

	// Bandwidth is the peak segment bitrate in bits per second (0 if absent)
	Bandwidth int `json:"bandwidth"`

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not specified in master playlist
	Resolution string `json:"resolution"`

	// Width and Height are parsed from Resolution; zero when unknown
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// FrameRate is the FRAME-RATE attribute; zero when unknown
	FrameRate float64 `json:"framerate,omitempty"`

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string `json:"codecs"`

	// Name is the provider display name, normalized to carry the frame rate ("1080p60")
	Name string `json:"name"`
}

// SetResolution stores a "WxH" string and the dimensions parsed from it.
// Malformed strings are kept verbatim with zero dimensions.
func (v *Variant) SetResolution(res string) {
	v.Resolution = res
	v.Width, v.Height = ParseResolution(res)
}

// Incomplete reports whether any of resolution, frame rate or codecs is missing.
func (v *Variant) Incomplete() bool {
	return v.Resolution == "" || v.FrameRate == 0 || v.Codecs == ""
}

// Label returns a human readable quality label such as "1920x1080@60fps".
func (v *Variant) Label() string {
	switch {
	case v.Resolution != "" && v.FrameRate > 0:
		return fmt.Sprintf("%s@%dfps", v.Resolution, int(v.FrameRate))
	case v.Resolution != "":
		return v.Resolution
	case v.Name != "":
		return v.Name
	default:
		return "unknown"
	}
}

// ParseResolution splits "WxH" into its integer parts.
func ParseResolution(res string) (width, height int) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil {
		return 0, 0
	}
	return width, height
}

// Metadata is what a prober learned about a stream by inspecting it.
type Metadata struct {
	Resolution string  `json:"resolution,omitempty"`
	FrameRate  float64 `json:"framerate,omitempty"`
	Codec      string  `json:"codec,omitempty"`
}

// Empty reports whether nothing was learned.
func (m Metadata) Empty() bool {
	return m.Resolution == "" && m.FrameRate == 0 && m.Codec == ""
}

// Fill copies probed values into fields the playlist left blank.
func (v *Variant) Fill(m Metadata) {
	if v.Resolution == "" && m.Resolution != "" {
		v.SetResolution(m.Resolution)
	}
	if v.FrameRate == 0 {
		v.FrameRate = m.FrameRate
	}
	if v.Codecs == "" {
		v.Codecs = m.Codec
	}
}

// Metadata returns the variant's known attributes in prober form.
func (v *Variant) Metadata() Metadata {
	return Metadata{Resolution: v.Resolution, FrameRate: v.FrameRate, Codec: v.Codecs}
}
