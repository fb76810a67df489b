package matcher

import (
	"io"
	"log/slog"
	"testing"

	"github.com/agleyzer/streamrec/internal/variant"
)

func v(name, res string, fps float64, bw int) variant.Variant {
	out := variant.Variant{URI: "https://cdn.example.com/" + name + ".m3u8", Name: name, Bandwidth: bw, FrameRate: fps}
	out.SetResolution(res)
	return out
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		res, fps string
		want     Preference
	}{
		{"1080p", "60", Preference{TargetHeight: 1080, TargetFrameRate: 60}},
		{"720", "30", Preference{TargetHeight: 720, TargetFrameRate: 30}},
		{"source", "any", Preference{Source: true}},
		{"Source", "", Preference{Source: true}},
		{"best", "any", Preference{TargetHeight: 1080}},
		{"1440p", "24", Preference{TargetHeight: 1440}},
	}
	for _, tt := range tests {
		t.Run(tt.res+"/"+tt.fps, func(t *testing.T) {
			if got := ParsePreference(tt.res, tt.fps); got != tt.want {
				t.Errorf("ParsePreference(%q, %q) = %+v, want %+v", tt.res, tt.fps, got, tt.want)
			}
		})
	}
}

func TestHeightAndFrameRate(t *testing.T) {
	tests := []struct {
		name       string
		in         variant.Variant
		wantHeight int
		wantFPS    float64
	}{
		{"attributes", v("x", "1920x1080", 59.94, 6000000), 1080, 59},
		{"from name", variant.Variant{Name: "720p60", Bandwidth: 3000000}, 720, 60},
		{"from bandwidth", variant.Variant{Name: "audio_only", Bandwidth: 4500000}, 4, 0},
		{"nothing", variant.Variant{}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Height(tt.in); got != tt.wantHeight {
				t.Errorf("Height() = %d, want %d", got, tt.wantHeight)
			}
			if got := FrameRate(tt.in); got != tt.wantFPS {
				t.Errorf("FrameRate() = %v, want %v", got, tt.wantFPS)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	full := []variant.Variant{
		v("1440p30", "2560x1440", 30, 9000000),
		v("1080p60", "1920x1080", 60, 8000000),
		v("1080p30", "1920x1080", 30, 6000000),
		v("720p60", "1280x720", 60, 4000000),
		v("480p30", "852x480", 30, 1500000),
	}

	tests := []struct {
		name     string
		variants []variant.Variant
		pref     Preference
		wantName string
		wantRule Rule
	}{
		{
			name:     "source picks tallest",
			variants: full,
			pref:     Preference{Source: true},
			wantName: "1440p30",
			wantRule: RuleSource,
		},
		{
			name: "source breaks height tie by frame rate",
			variants: []variant.Variant{
				v("1080p30", "1920x1080", 30, 9000000),
				v("1080p60", "1920x1080", 60, 8000000),
			},
			pref:     Preference{Source: true},
			wantName: "1080p60",
			wantRule: RuleSource,
		},
		{
			name:     "exact beats higher bandwidth",
			variants: full,
			pref:     Preference{TargetHeight: 1080, TargetFrameRate: 60},
			wantName: "1080p60",
			wantRule: RuleExact,
		},
		{
			name: "resolution beats frame rate",
			variants: []variant.Variant{
				v("1080p30", "1920x1080", 30, 6000000),
				v("720p60", "1280x720", 60, 4000000),
			},
			pref:     Preference{TargetHeight: 1080, TargetFrameRate: 60},
			wantName: "1080p30",
			wantRule: RuleResolution,
		},
		{
			name:     "any frame rate takes fastest at height",
			variants: full,
			pref:     Preference{TargetHeight: 1080},
			wantName: "1080p60",
			wantRule: RuleResolution,
		},
		{
			name: "degrade to closest lower",
			variants: []variant.Variant{
				v("1080p60", "1920x1080", 60, 8000000),
				v("720p60", "1280x720", 60, 4000000),
				v("480p30", "852x480", 30, 1500000),
			},
			pref:     Preference{TargetHeight: 1440},
			wantName: "1080p60",
			wantRule: RuleLower,
		},
		{
			name: "fall back to highest",
			variants: []variant.Variant{
				v("720p60", "1280x720", 60, 4000000),
				v("480p30", "852x480", 30, 1500000),
			},
			pref:     Preference{TargetHeight: 360},
			wantName: "720p60",
			wantRule: RuleHighest,
		},
		{
			name: "name only variants",
			variants: []variant.Variant{
				{Name: "1080p60", Bandwidth: 8000000},
				{Name: "720p30", Bandwidth: 3000000},
			},
			pref:     Preference{TargetHeight: 720, TargetFrameRate: 30},
			wantName: "720p30",
			wantRule: RuleExact,
		},
		{
			name:     "within tolerance",
			variants: []variant.Variant{v("1088p", "1920x1088", 0, 5000000)},
			pref:     Preference{TargetHeight: 1080, TargetFrameRate: 30},
			wantName: "1088p",
			wantRule: RuleResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule, ok := Match(tt.variants, tt.pref)
			if !ok {
				t.Fatal("Match() found nothing")
			}
			if got.Name != tt.wantName {
				t.Errorf("Match() = %q, want %q", got.Name, tt.wantName)
			}
			if rule != tt.wantRule {
				t.Errorf("rule = %s, want %s", rule, tt.wantRule)
			}
		})
	}
}

func TestMatch_Empty(t *testing.T) {
	if _, rule, ok := Match(nil, Preference{Source: true}); ok || rule != RuleNone {
		t.Errorf("Match(nil) = (%s, %v), want (none, false)", rule, ok)
	}
}

func TestMatch_DoesNotReorderInput(t *testing.T) {
	in := []variant.Variant{
		v("720p60", "1280x720", 60, 9000000),
		v("1080p30", "1920x1080", 30, 6000000),
	}
	Match(in, Preference{Source: true})
	if in[0].Name != "720p60" {
		t.Errorf("input reordered: first = %q", in[0].Name)
	}
}

func TestMatcher_Select(t *testing.T) {
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, ok := m.Select([]variant.Variant{v("720p60", "1280x720", 60, 4000000)}, Preference{TargetHeight: 1080})
	if !ok || got.Name != "720p60" {
		t.Errorf("Select() = (%q, %v)", got.Name, ok)
	}
	if _, ok := m.Select(nil, Preference{}); ok {
		t.Error("Select(nil) should report no match")
	}
}
