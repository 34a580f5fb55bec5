// Package assignlog is the append-only audit trail of queue-ordering decisions.
// It is never read back to rebuild queue state.
package assignlog

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleetsync/internal/domain"
)

type Action string

const (
	ActionAssigned        Action = "assigned"
	ActionReordered       Action = "reordered"
	ActionOverrideApplied Action = "override-applied"
	ActionOverrideRemoved Action = "override-removed"
)

// NoRank marks a task that is absent from the ready ordering.
const NoRank = -1

type Entry struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
	Action       Action    `json:"action"`
	PreviousRank int       `json:"previous_rank"`
	NewRank      int       `json:"new_rank"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason,omitempty"`
}

// Sink mirrors appended entries somewhere durable. Sink failures never fail Append.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

type Observer interface {
	EntryAppended(action string)
	SinkFailed()
	SinkDropped()
}

const (
	DefaultSinkBuffer  = 1024
	DefaultSinkTimeout = 5 * time.Second
)

type Options struct {
	// MaxEntries bounds the in-memory log; zero means unbounded.
	MaxEntries int
	Sinks      []Sink
	// SinkBuffer bounds entries waiting to be mirrored. Entries beyond it are
	// dropped from the mirrors, never from the log.
	SinkBuffer int
	// SinkTimeout bounds a single sink write.
	SinkTimeout time.Duration
	Observer    Observer
}

type Log struct {
	mu      sync.RWMutex
	entries []Entry
	seq     uint64
	opts    Options
	logger  zerolog.Logger

	// pending feeds the mirror goroutine; nil without sinks.
	pending chan Entry
	closed  bool
	done    chan struct{}
}

// New returns an empty log. With sinks configured it starts a goroutine that
// mirrors entries off the caller's path; Close stops it.
func New(opts Options) *Log {
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = DefaultSinkBuffer
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = DefaultSinkTimeout
	}
	l := &Log{opts: opts, logger: log.With().Str("component", "assignlog").Logger()}
	if len(opts.Sinks) > 0 {
		l.pending = make(chan Entry, opts.SinkBuffer)
		l.done = make(chan struct{})
		go l.mirror()
	}
	return l
}

// Append records e and returns it with its sequence number assigned. The only
// failure is ErrLogFull once MaxEntries is reached.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	if l.opts.MaxEntries > 0 && len(l.entries) >= l.opts.MaxEntries {
		l.mu.Unlock()
		return Entry{}, domain.ErrLogFull
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.seq++
	e.Seq = l.seq
	// keep timestamp order; equal timestamps stay in insertion order
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Timestamp.After(e.Timestamp) })
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	dropped := false
	if l.pending != nil && !l.closed {
		select {
		case l.pending <- e:
		default:
			dropped = true
		}
	}
	l.mu.Unlock()

	if l.opts.Observer != nil {
		l.opts.Observer.EntryAppended(string(e.Action))
		if dropped {
			l.opts.Observer.SinkDropped()
		}
	}
	if dropped {
		l.logger.Warn().Uint64("seq", e.Seq).Str("task_id", e.TaskID).Msg("audit sink buffer full; entry not mirrored")
	}
	return e, nil
}

func (l *Log) mirror() {
	defer close(l.done)
	for e := range l.pending {
		for _, s := range l.opts.Sinks {
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.SinkTimeout)
			err := s.Write(ctx, e)
			cancel()
			if err != nil {
				l.logger.Error().Err(err).Uint64("seq", e.Seq).Str("task_id", e.TaskID).Msg("audit sink write failed")
				if l.opts.Observer != nil {
					l.opts.Observer.SinkFailed()
				}
			}
		}
	}
}

// Close flushes entries already handed to the sinks and stops mirroring.
// Later appends still reach the in-memory log.
func (l *Log) Close() {
	l.mu.Lock()
	if l.pending != nil && !l.closed {
		close(l.pending)
	}
	l.closed = true
	l.mu.Unlock()
	if l.done != nil {
		<-l.done
	}
}

// Query yields entries with Timestamp >= since in timestamp order. The sequence
// is restartable: each range over it reads the log afresh.
func (l *Log) Query(since time.Time) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.mu.RLock()
		i := sort.Search(len(l.entries), func(i int) bool { return !l.entries[i].Timestamp.Before(since) })
		snap := append([]Entry(nil), l.entries[i:]...)
		l.mu.RUnlock()
		for _, e := range snap {
			if !yield(e) {
				return
			}
		}
	}
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
