// Package watch turns raw filesystem notifications into debounced batches of
// note events suitable for incremental reindexing.
package watch

import "time"

// Op is the kind of change observed on a note.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one coalesced change to a note path.
type Event struct {
	// Path is relative to the watched vault root, forward slashes.
	Path string

	Op Op

	// Timestamp is when the underlying change was first observed.
	Timestamp time.Time
}

// Options configures a vault watcher.
type Options struct {
	// DebounceWindow is how long to wait after the last event on a path
	// before emitting it. Default: 200ms.
	DebounceWindow time.Duration

	// EventBufferSize is the batch channel buffer. Default: 64.
	EventBufferSize int
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 64
	}
	return o
}
