package changelog

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

const (
	defaultBatchSize   = 64
	defaultIdleWaitCap = time.Second
)

// StreamOptions selects the start position and filters of a subscription.
// Exactly one of FromLSN / FromTimestamp may be set; neither means
// from-beginning.
type StreamOptions struct {
	FromLSN       *uint64
	FromTimestamp *int64
	Entities      []string
	Ops           []types.Op
	BatchSize     int
	BatchTimeout  time.Duration
}

// Batch is one delivery. Rewound is set on the first batch when retention
// already removed the requested position, so the stream restarts at the
// oldest retained entry instead of silently skipping.
type Batch struct {
	Entries []*types.ChangeEntry
	Rewound bool
}

// Stream is one cursored subscription. Entries arrive on C in LSN order,
// gap-free over the retained log, at the subscriber's pace.
type Stream struct {
	C <-chan Batch

	l      *Log
	opts   StreamOptions
	out    chan Batch
	notify chan struct{}
	next   uint64
	acked  atomic.Uint64
}

// Subscribe opens a stream. The stream closes when ctx is done.
func (l *Log) Subscribe(ctx context.Context, opts StreamOptions) (*Stream, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultIdleWaitCap
	}

	start, rewound, err := l.resolveStart(opts)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		l:      l,
		opts:   opts,
		out:    make(chan Batch, 4),
		notify: make(chan struct{}, 1),
		next:   start,
	}
	s.C = s.out
	if start > 0 {
		s.acked.Store(start - 1)
	}

	l.mu.Lock()
	l.subs[s] = struct{}{}
	l.mu.Unlock()
	metrics.ChangelogSubscribers.Inc()

	go s.run(ctx, rewound)
	return s, nil
}

// Ack acknowledges consumption through lsn, releasing it for trim. Acks are
// monotonic; a stale ack is ignored.
func (s *Stream) Ack(lsn uint64) {
	for {
		cur := s.acked.Load()
		if lsn <= cur || s.acked.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

func (l *Log) resolveStart(opts StreamOptions) (uint64, bool, error) {
	oldest, err := l.OldestLSN()
	if err != nil {
		return 0, false, err
	}
	retained, err := l.retainedLSN()
	if err != nil {
		return 0, false, err
	}

	switch {
	case opts.FromLSN != nil:
		want := *opts.FromLSN
		if want <= retained {
			return retained + 1, true, nil
		}
		return want, false, nil
	case opts.FromTimestamp != nil:
		lsn, found, err := l.firstAtOrAfter(*opts.FromTimestamp)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return l.LastLSN() + 1, false, nil
		}
		// The requested time predates the retained window when trimming has
		// already removed entries and the first retained one is the match.
		if retained > 0 && lsn == oldest {
			return lsn, true, nil
		}
		return lsn, false, nil
	default:
		if oldest == 0 {
			return l.LastLSN() + 1, retained > 0, nil
		}
		return oldest, retained > 0, nil
	}
}

func (l *Log) retainedLSN() (uint64, error) {
	var lsn uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(rowstore.BucketMeta).Get([]byte("retained_lsn")); len(v) == 8 {
			lsn = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return lsn, err
}

func (l *Log) firstAtOrAfter(ts int64) (uint64, bool, error) {
	var lsn uint64
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rowstore.BucketChangelog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := DecodeEntry(v)
			if err != nil {
				return types.Internal(err)
			}
			if e.TS >= ts {
				lsn = e.LSN
				found = true
				return nil
			}
		}
		return nil
	})
	return lsn, found, err
}

func (s *Stream) run(ctx context.Context, rewound bool) {
	defer func() {
		s.l.mu.Lock()
		delete(s.l.subs, s)
		s.l.mu.Unlock()
		metrics.ChangelogSubscribers.Dec()
		close(s.out)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = s.opts.BatchTimeout
	bo.MaxElapsedTime = 0

	pendingRewound := rewound
	for {
		entries, next, err := s.l.readFrom(s.next, s.opts.BatchSize, s.opts.Entities, s.opts.Ops)
		if err != nil {
			streamLogger := log.WithLSN(s.l.logger, s.next)
			streamLogger.Error().Err(err).Msg("changelog stream read failed")
			return
		}
		s.next = next

		if len(entries) > 0 {
			batch := Batch{Entries: entries, Rewound: pendingRewound}
			select {
			case s.out <- batch:
				pendingRewound = false
				bo.Reset()
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// readFrom collects up to limit filtered entries starting at lsn, returning
// them with the next read position. Entries filtered out still advance the
// cursor, so filters never stall a stream.
func (l *Log) readFrom(lsn uint64, limit int, entities []string, ops []types.Op) ([]*types.ChangeEntry, uint64, error) {
	var out []*types.ChangeEntry
	next := lsn
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rowstore.BucketChangelog).Cursor()
		for k, v := c.Seek(lsnKey(lsn)); k != nil; k, v = c.Next() {
			e, err := DecodeEntry(v)
			if err != nil {
				return types.Internal(err)
			}
			next = e.LSN + 1
			if matches(e, entities, ops) {
				out = append(out, e)
				if len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, next, err
}

func matches(e *types.ChangeEntry, entities []string, ops []types.Op) bool {
	if len(entities) > 0 {
		ok := false
		for _, name := range entities {
			if name == e.Entity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(ops) > 0 {
		ok := false
		for _, op := range ops {
			if op == e.Op {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
