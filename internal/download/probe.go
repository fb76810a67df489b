package download

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/streamrec/internal/variant"
)

// DefaultProbeTimeout bounds a single ffprobe run.
const DefaultProbeTimeout = 8 * time.Second

// FFProbe reads stream metadata with ffprobe.
type FFProbe struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFFProbe creates a prober. A zero timeout means DefaultProbeTimeout.
func NewFFProbe(binary string, timeout time.Duration, logger *slog.Logger) *FFProbe {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &FFProbe{binary: binary, timeout: timeout, logger: logger}
}

// Probe inspects url. Any failure yields ok=false; callers proceed without metadata.
func (p *FFProbe) Probe(ctx context.Context, url string) (variant.Metadata, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		url,
	).Output()
	if err != nil {
		p.logger.Warn("ffprobe failed", "url", url, "error", err)
		return variant.Metadata{}, false
	}

	meta, err := parseProbeOutput(out)
	if err != nil {
		p.logger.Warn("ffprobe output unreadable", "url", url, "error", err)
		return variant.Metadata{}, false
	}
	p.logger.Debug("probed stream", "url", url, "resolution", meta.Resolution, "framerate", meta.FrameRate, "codec", meta.Codec)
	return meta, !meta.Empty()
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// parseProbeOutput extracts the first video stream's metadata.
func parseProbeOutput(data []byte) (variant.Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return variant.Metadata{}, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	var meta variant.Metadata
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width > 0 && s.Height > 0 {
			meta.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
		}
		meta.FrameRate = parseRate(s.RFrameRate)
		meta.Codec = s.CodecName
		break
	}
	return meta, nil
}

// parseRate turns "30000/1001" into 29.97, rounded to three decimals.
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		return 0
	}
	n, errN := strconv.ParseFloat(num, 64)
	d, errD := strconv.ParseFloat(den, 64)
	if errN != nil || errD != nil || d == 0 {
		return 0
	}
	r, _ := strconv.ParseFloat(strconv.FormatFloat(n/d, 'f', 3, 64), 64)
	return r
}
