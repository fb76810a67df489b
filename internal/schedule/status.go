package schedule

import (
	"fmt"
)

// Status is where a schedule is in its window cycle.
type Status uint8

const (
	// StatusPending waits for the next window to open.
	StatusPending Status = iota
	// StatusActive is inside a window and checking for a stream.
	StatusActive
	// StatusDownloadStarted found a stream in the current window.
	StatusDownloadStarted
	// StatusCompleted is a one-shot schedule whose window has passed.
	StatusCompleted
)

var statusNames = [...]string{
	StatusPending:         "pending",
	StatusActive:          "active",
	StatusDownloadStarted: "download_started",
	StatusCompleted:       "completed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// ParseStatus converts a wire name to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown schedule status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid schedule status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// checking reports whether a window in this status still wants stream checks.
func (s Status) checking() bool {
	switch s {
	case StatusPending, StatusActive:
		return true
	case StatusDownloadStarted, StatusCompleted:
		return false
	default:
		panic(fmt.Sprintf("unhandled schedule status %d", uint8(s)))
	}
}
