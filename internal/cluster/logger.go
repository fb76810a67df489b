package cluster

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns an hclog.Logger for Raft internals. A nil writer
// silences Raft entirely.
func newRaftLogger(w io.Writer, level hclog.Level) hclog.Logger {
	if w == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: w,
	})
}
