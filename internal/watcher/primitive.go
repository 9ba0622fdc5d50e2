package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"projwatch/internal/logging"
	"projwatch/internal/metrics"
)

var (
	ErrClosed         = errors.New("watch primitive closed")
	ErrUnknownBackend = errors.New("unknown watch backend")
)

// Token is an opaque handle for one directory registration. Zero is never issued.
type Token uint64

type Op uint8

const (
	OpCreate Op = iota + 1
	OpDelete
	OpModify
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Event is a single change to an entry inside a watched directory.
type Event struct {
	Path string
	Op   Op
	// IsDir is set when the backend knows the entry is a directory.
	IsDir bool
	// Moved marks a delete that is the old name of a rename or move.
	Moved bool
}

// Batch carries the events collected for one watched directory in one wake.
// An Overflow batch has no token and no events.
type Batch struct {
	Token    Token
	Events   []Event
	Overflow bool
}

// Primitive is the OS-facing directory notification facility.
type Primitive interface {
	// Register watches a single directory, non-recursively.
	Register(path string) (Token, error)
	// Cancel releases a registration. Unknown tokens are ignored.
	Cancel(token Token) error
	// Next blocks until a batch is available. It returns ErrClosed once Close was called.
	Next(ctx context.Context) (Batch, error)
	// Rearm prepares the token for further events; false means the directory
	// watch is permanently gone.
	Rearm(token Token) bool
	Close() error
}

type Backend string

const (
	BackendNotify Backend = "fsnotify"
	BackendPoll   Backend = "poll"
)

const (
	defaultCoalesce     = 50 * time.Millisecond
	defaultPollInterval = 500 * time.Millisecond
)

func ParseBackend(value string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackendNotify:
		return BackendNotify, nil
	case BackendPoll:
		return BackendPoll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, value)
	}
}

// PrimitiveOptions configures the backends.
type PrimitiveOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Coalesce is how long to keep collecting events after the first one of a wake.
	Coalesce time.Duration
	// PollInterval applies to the poll backend only.
	PollInterval time.Duration
}

func (options PrimitiveOptions) withDefaults() PrimitiveOptions {
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Coalesce < 0 {
		options.Coalesce = 0
	} else if options.Coalesce == 0 {
		options.Coalesce = defaultCoalesce
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}
	return options
}

// NewPrimitive builds the backend named by backend.
func NewPrimitive(backend Backend, options PrimitiveOptions) (Primitive, error) {
	switch backend {
	case "", BackendNotify:
		return NewNotifyPrimitive(options)
	case BackendPoll:
		return NewPollPrimitive(options)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, string(backend))
	}
}
