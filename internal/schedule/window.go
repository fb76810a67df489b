package schedule

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Check jitter bounds while a window is open.
const (
	MinCheckInterval = 5 * time.Minute
	MaxCheckInterval = 8 * time.Minute
)

// repeatDays moves a repeating absolute window to its next occurrence,
// keeping its wall-clock times.
const repeatDays = 7

// Window is the inclusive interval during which a schedule may trigger.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is within [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Evaluation is the outcome of evaluating a schedule at one instant.
type Evaluation struct {
	Status    Status
	NextCheck *time.Time
	LastCheck *time.Time
	// StartTime and EndTime differ from the schedule's only after a
	// repeating absolute window was moved forward.
	StartTime string
	EndTime   string
	Window    Window
	// Fire means a detection worker should run now.
	Fire bool
}

// Calculator derives window state and next check times. It holds no state
// besides the jitter source.
type Calculator struct {
	// Jitter returns the delay until the next check inside an open window.
	Jitter func() time.Duration
}

// NewCalculator returns a calculator with uniform 5 to 8 minute jitter.
func NewCalculator() *Calculator {
	return NewCalculatorRange(MinCheckInterval, MaxCheckInterval)
}

// NewCalculatorRange returns a calculator with uniform jitter in [lo, hi).
func NewCalculatorRange(lo, hi time.Duration) *Calculator {
	if hi <= lo {
		return &Calculator{Jitter: func() time.Duration { return lo }}
	}
	return &Calculator{Jitter: func() time.Duration {
		return lo + rand.N(hi-lo)
	}}
}

// Evaluate decides s's status and next check at now. It does not modify s.
func (c *Calculator) Evaluate(s Schedule, now time.Time) (Evaluation, error) {
	ev := Evaluation{
		Status:    s.Status,
		NextCheck: s.NextCheck,
		LastCheck: s.LastCheck,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}

	if s.Status == StatusCompleted && !s.Daily {
		return ev, nil
	}

	if s.Daily {
		return c.evaluateDaily(s, now, ev)
	}
	return c.evaluateAbsolute(s, now, ev)
}

func (c *Calculator) evaluateAbsolute(s Schedule, now time.Time, ev Evaluation) (Evaluation, error) {
	w, err := absoluteWindow(s.StartTime, s.EndTime, now.Location())
	if err != nil {
		return ev, err
	}
	ev.Window = w

	switch {
	case now.After(w.End):
		if s.Repeat {
			loc := now.Location()
			w = Window{
				Start: w.Start.In(loc).AddDate(0, 0, repeatDays),
				End:   w.End.In(loc).AddDate(0, 0, repeatDays),
			}
			ev.Window = w
			ev.StartTime = formatAbsolute(w.Start)
			ev.EndTime = formatAbsolute(w.End)
			ev.Status = StatusPending
			ev.NextCheck = c.nextCheck(w, now, s.Daily, false)
			return ev, nil
		}
		if s.Status != StatusDownloadStarted {
			ev.Status = StatusCompleted
			ev.NextCheck = nil
		}
		return ev, nil

	case w.Contains(now):
		return c.evaluateOpen(s, now, w, ev), nil

	default:
		ev.Status = StatusPending
		if s.NextCheck == nil || !s.NextCheck.Equal(w.Start) {
			ev.NextCheck = timePtr(w.Start)
		}
		return ev, nil
	}
}

func (c *Calculator) evaluateDaily(s Schedule, now time.Time, ev Evaluation) (Evaluation, error) {
	w, spans, err := dailyWindow(s.StartTime, s.EndTime, now)
	if err != nil {
		return ev, err
	}
	ev.Window = w

	switch {
	case w.Contains(now):
		return c.evaluateOpen(s, now, w, ev), nil

	case now.Before(w.Start):
		ev.Status = StatusPending
		if s.NextCheck == nil || !s.NextCheck.Equal(w.Start) {
			ev.NextCheck = timePtr(w.Start)
		}
		return ev, nil

	default:
		// Passed: re-arm for the next occurrence.
		next := c.nextCheck(w, now, true, spans)
		if s.Status == StatusDownloadStarted {
			ev.LastCheck = nil
		}
		if s.Status != StatusPending || s.NextCheck == nil || !s.NextCheck.Equal(*next) {
			ev.Status = StatusPending
			ev.NextCheck = next
		}
		return ev, nil
	}
}

// evaluateOpen handles a schedule whose window contains now.
func (c *Calculator) evaluateOpen(s Schedule, now time.Time, w Window, ev Evaluation) Evaluation {
	if !s.Status.checking() {
		// One download per window occurrence.
		return ev
	}
	wasPending := s.Status == StatusPending
	ev.Status = StatusActive

	if wasPending || s.NextCheck == nil || !now.Before(*s.NextCheck) {
		ev.Fire = true
		ev.LastCheck = timePtr(now)
		// Re-arm before the worker reports back so the window cannot fire twice.
		ev.NextCheck = c.nextCheck(w, now, s.Daily, false)
	}
	return ev
}

// nextCheck returns when the schedule should next be looked at: the window
// start before it opens, a jittered instant while open (never past the
// end), and for a passed window the next daily start or nil.
func (c *Calculator) nextCheck(w Window, now time.Time, daily, spans bool) *time.Time {
	switch {
	case now.Before(w.Start):
		return timePtr(w.Start)
	case w.Contains(now):
		next := now.Add(c.Jitter())
		if next.After(w.End) {
			next = w.End
		}
		return &next
	case daily:
		startToday := time.Date(now.Year(), now.Month(), now.Day(), w.Start.Hour(), w.Start.Minute(), 0, 0, now.Location())
		if spans && now.Before(startToday) {
			return &startToday
		}
		tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, w.Start.Hour(), w.Start.Minute(), 0, 0, now.Location())
		return &tomorrow
	default:
		return nil
	}
}

// NextCheck recomputes only the next check time for s at now, as done when
// a schedule is created, edited or refreshed.
func (c *Calculator) NextCheck(s Schedule, now time.Time) (*time.Time, error) {
	if s.Daily {
		w, spans, err := dailyWindow(s.StartTime, s.EndTime, now)
		if err != nil {
			return nil, err
		}
		return c.nextCheck(w, now, true, spans), nil
	}
	w, err := absoluteWindow(s.StartTime, s.EndTime, now.Location())
	if err != nil {
		return nil, err
	}
	return c.nextCheck(w, now, false, false), nil
}

// dailyWindow anchors HH:MM bounds to the occurrence relevant at now. A
// window whose end is earlier than its start spans midnight: before the
// start time it runs from yesterday's start to today's end, otherwise from
// today's start to tomorrow's end.
func dailyWindow(start, end string, now time.Time) (Window, bool, error) {
	sh, sm, err := parseClock(start)
	if err != nil {
		return Window{}, false, err
	}
	eh, em, err := parseClock(end)
	if err != nil {
		return Window{}, false, err
	}

	y, mo, d := now.Date()
	loc := now.Location()
	startMin, endMin := sh*60+sm, eh*60+em
	spans := endMin < startMin

	w := Window{
		Start: time.Date(y, mo, d, sh, sm, 0, 0, loc),
		End:   time.Date(y, mo, d, eh, em, 0, 0, loc),
	}
	if spans {
		if now.Hour()*60+now.Minute() < startMin {
			w.Start = time.Date(y, mo, d-1, sh, sm, 0, 0, loc)
		} else {
			w.End = time.Date(y, mo, d+1, eh, em, 0, 0, loc)
		}
	}
	return w, spans, nil
}

func absoluteWindow(start, end string, loc *time.Location) (Window, error) {
	s, err := parseAbsolute(start, loc)
	if err != nil {
		return Window{}, err
	}
	e, err := parseAbsolute(end, loc)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidWindow, v)
	}
	return t.Hour(), t.Minute(), nil
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseAbsolute accepts RFC 3339 or a local date-time without offset.
func parseAbsolute(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a date-time", ErrInvalidWindow, v)
}

// formatAbsolute writes a local date-time without offset; it is parsed back
// in the same location.
func formatAbsolute(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

func timePtr(t time.Time) *time.Time {
	return &t
}
