// Package schedule keeps recurring recording windows and triggers stream
// detection while a window is open.
package schedule

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for an unknown schedule id.
	ErrNotFound = errors.New("schedule not found")
	// ErrInvalidWindow is returned for unparsable or inverted window times.
	ErrInvalidWindow = errors.New("invalid schedule window")
	// ErrInvalidURL is returned when a schedule has no usable page URL.
	ErrInvalidURL = errors.New("invalid schedule url")
)

// Defaults applied to new and edited schedules.
const (
	DefaultResolution = "1080p"
	DefaultFrameRate  = "any"
	DefaultFormat     = "mp4"
)

// Schedule is a persisted recording window. Daily schedules hold HH:MM
// times re-evaluated against each day; others hold absolute date-times.
type Schedule struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	Resolution string     `json:"resolution"`
	FrameRate  string     `json:"framerate"`
	Format     string     `json:"format"`
	StartTime  string     `json:"start_time"`
	EndTime    string     `json:"end_time"`
	Repeat     bool       `json:"repeat"`
	Daily      bool       `json:"daily"`
	Status     Status     `json:"status"`
	NextCheck  *time.Time `json:"next_check"`
	LastCheck  *time.Time `json:"last_check"`
	CreatedAt  time.Time  `json:"created_at"`
}

// apply copies an evaluation's results into s.
func (s *Schedule) apply(ev Evaluation) {
	s.Status = ev.Status
	s.NextCheck = ev.NextCheck
	s.LastCheck = ev.LastCheck
	s.StartTime = ev.StartTime
	s.EndTime = ev.EndTime
}

func (s *Schedule) clone() Schedule {
	c := *s
	if s.NextCheck != nil {
		c.NextCheck = timePtr(*s.NextCheck)
	}
	if s.LastCheck != nil {
		c.LastCheck = timePtr(*s.LastCheck)
	}
	return c
}

// Input holds the user-editable fields of a schedule.
type Input struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Resolution string `json:"resolution"`
	FrameRate  string `json:"framerate"`
	Format     string `json:"format"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Repeat     bool   `json:"repeat"`
	Daily      bool   `json:"daily"`
}

// normalize validates in and fills defaults. Absolute windows must end
// after they start; daily windows may span midnight.
func (in *Input) normalize(loc *time.Location) error {
	in.URL = strings.TrimSpace(in.URL)
	u, err := url.Parse(in.URL)
	if in.URL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, in.URL)
	}
	if in.Name == "" {
		in.Name = in.URL
	}
	if in.Resolution == "" {
		in.Resolution = DefaultResolution
	}
	if in.FrameRate == "" {
		in.FrameRate = DefaultFrameRate
	}
	if in.Format == "" {
		in.Format = DefaultFormat
	}

	if in.Daily {
		if _, _, err := parseClock(in.StartTime); err != nil {
			return err
		}
		if _, _, err := parseClock(in.EndTime); err != nil {
			return err
		}
		return nil
	}

	w, err := absoluteWindow(in.StartTime, in.EndTime, loc)
	if err != nil {
		return err
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidWindow, in.EndTime, in.StartTime)
	}
	return nil
}
