// Package matcher picks the variant that best fits a requested quality.
package matcher

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/streamrec/internal/variant"
)

const (
	heightTolerance    = 10
	frameRateTolerance = 5

	// DefaultHeight is used when a resolution preference cannot be parsed.
	DefaultHeight = 1080
)

var (
	heightInName    = regexp.MustCompile(`(\d+)p`)
	frameRateInName = regexp.MustCompile(`p(\d+)`)
)

// Preference is the requested quality. It is an input only and never persisted.
type Preference struct {
	// Source asks for the best available rendition; TargetHeight is ignored.
	Source bool
	// TargetHeight is the requested vertical resolution, e.g. 1080.
	TargetHeight int
	// TargetFrameRate is 60 or 30; zero means any.
	TargetFrameRate int
}

// ParsePreference converts user-facing strings ("1080p", "source"; "any",
// "60", "30") into a Preference. Unknown resolutions fall back to 1080.
func ParsePreference(resolution, frameRate string) Preference {
	var p Preference
	res := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(resolution)), "p")
	switch {
	case res == "source":
		p.Source = true
	default:
		h, err := strconv.Atoi(res)
		if err != nil || h <= 0 {
			h = DefaultHeight
		}
		p.TargetHeight = h
	}

	switch strings.TrimSpace(frameRate) {
	case "60":
		p.TargetFrameRate = 60
	case "30":
		p.TargetFrameRate = 30
	}
	return p
}

// Rule names the step of the selection cascade that produced a match.
type Rule string

const (
	RuleNone       Rule = "none"
	RuleSource     Rule = "source"
	RuleExact      Rule = "exact"
	RuleResolution Rule = "resolution"
	RuleLower      Rule = "lower"
	RuleHighest    Rule = "highest"
)

// Height resolves a variant's vertical resolution from its attributes, then
// its name ("1080p60"), then a rough guess from bandwidth.
func Height(v variant.Variant) int {
	if v.Height > 0 {
		return v.Height
	}
	if _, h := variant.ParseResolution(v.Resolution); h > 0 {
		return h
	}
	if m := heightInName.FindStringSubmatch(strings.ToLower(v.Name)); m != nil {
		if h, err := strconv.Atoi(m[1]); err == nil {
			return h
		}
	}
	return v.Bandwidth / 1000000
}

// FrameRate resolves the whole-number frame rate from attributes, then the
// name, else zero.
func FrameRate(v variant.Variant) float64 {
	if v.FrameRate > 0 {
		return math.Trunc(v.FrameRate)
	}
	if m := frameRateInName.FindStringSubmatch(strings.ToLower(v.Name)); m != nil {
		if f, err := strconv.Atoi(m[1]); err == nil {
			return float64(f)
		}
	}
	return 0
}

// Match selects one variant from a bandwidth-sorted list. It returns false
// only when variants is empty.
func Match(variants []variant.Variant, pref Preference) (variant.Variant, Rule, bool) {
	if len(variants) == 0 {
		return variant.Variant{}, RuleNone, false
	}

	type scored struct {
		v      variant.Variant
		height int
		fps    float64
	}

	inOrder := make([]scored, len(variants))
	for i, v := range variants {
		inOrder[i] = scored{v: v, height: Height(v), fps: FrameRate(v)}
	}

	// Quality order: height desc, then frame rate desc.
	byQuality := make([]scored, len(inOrder))
	copy(byQuality, inOrder)
	sort.SliceStable(byQuality, func(a, b int) bool {
		if byQuality[a].height != byQuality[b].height {
			return byQuality[a].height > byQuality[b].height
		}
		return byQuality[a].fps > byQuality[b].fps
	})

	if pref.Source {
		return byQuality[0].v, RuleSource, true
	}

	target := pref.TargetHeight
	if target <= 0 {
		target = DefaultHeight
	}
	heightOK := func(s scored) bool { return abs(s.height-target) < heightTolerance }

	if pref.TargetFrameRate > 0 {
		for _, s := range inOrder {
			if heightOK(s) && math.Abs(s.fps-float64(pref.TargetFrameRate)) < frameRateTolerance {
				return s.v, RuleExact, true
			}
		}
	}

	var (
		best  scored
		found bool
	)
	for _, s := range byQuality {
		if heightOK(s) && (!found || s.fps > best.fps) {
			best, found = s, true
		}
	}
	if found {
		return best.v, RuleResolution, true
	}

	for _, s := range byQuality {
		if s.height < target {
			return s.v, RuleLower, true
		}
	}

	return byQuality[0].v, RuleHighest, true
}

// Matcher is Match with decision logging.
type Matcher struct {
	logger *slog.Logger
}

// New creates a Matcher.
func New(logger *slog.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Select implements the detection coordinator's variant selector.
func (m *Matcher) Select(variants []variant.Variant, pref Preference) (variant.Variant, bool) {
	v, rule, ok := Match(variants, pref)
	if !ok {
		m.logger.Warn("no variants to match")
		return v, false
	}
	m.logger.Info("matched variant",
		"rule", rule,
		"name", v.Name,
		"resolution", v.Resolution,
		"bandwidth", v.Bandwidth,
		"targetHeight", pref.TargetHeight,
		"targetFrameRate", pref.TargetFrameRate,
		"source", pref.Source,
	)
	return v, true
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
