package changelog

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

const (
	// DefaultRetention is the wall-clock window entries are kept for.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultSizeCap bounds the physical size of the changelog tree.
	DefaultSizeCap = 4 << 30
)

// Options configures retention.
type Options struct {
	Retention time.Duration
	SizeCap   int64
}

// Log is the append-only change log: entries keyed by big-endian LSN in the
// changelog tree. LSNs are strictly monotonic within a server lifetime and
// stamped inside the mutation write transaction, which is the single ordered
// choke point for commits.
type Log struct {
	db     *bolt.DB
	opts   Options
	logger zerolog.Logger

	lastLSN atomic.Uint64

	mu   sync.Mutex
	subs map[*Stream]struct{}
}

// Open wraps the changelog tree and recovers the LSN high-water mark.
func Open(db *bolt.DB, opts Options) (*Log, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SizeCap <= 0 {
		opts.SizeCap = DefaultSizeCap
	}
	l := &Log{
		db:     db,
		opts:   opts,
		logger: log.WithComponent("changelog"),
		subs:   map[*Stream]struct{}{},
	}
	err := db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(rowstore.BucketChangelog).Cursor().Last(); k != nil {
			l.lastLSN.Store(binary.BigEndian.Uint64(k))
		} else if v := tx.Bucket(rowstore.BucketMeta).Get([]byte("retained_lsn")); len(v) == 8 {
			// Trim emptied the tree; the highest trimmed LSN is the mark.
			l.lastLSN.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func lsnKey(lsn uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], lsn)
	return k[:]
}

// AppendTx stamps the next LSN onto the entry and writes it inside the
// caller's transaction, after the row write. The entry becomes visible to
// subscribers only after the transaction commits and Committed runs.
func (l *Log) AppendTx(tx *bolt.Tx, e *types.ChangeEntry) error {
	b := tx.Bucket(rowstore.BucketChangelog)
	// Writes earlier in this transaction are visible to its cursor, so the
	// last key is the true high-water mark even mid-batch.
	var last uint64
	if k, _ := b.Cursor().Last(); k != nil {
		last = binary.BigEndian.Uint64(k)
	} else if v := tx.Bucket(rowstore.BucketMeta).Get([]byte("retained_lsn")); len(v) == 8 {
		// Trim emptied the tree; continue above the highest trimmed LSN.
		last = binary.BigEndian.Uint64(v)
	}
	e.LSN = last + 1
	if e.TS == 0 {
		e.TS = time.Now().UnixMicro()
	}
	if err := b.Put(lsnKey(e.LSN), EncodeEntry(e)); err != nil {
		return types.Internal(err)
	}
	return nil
}

// Committed publishes entries of a committed transaction: advances the
// high-water mark and nudges subscribers. Delivery itself is pull-based at
// each subscriber's pace; a slow subscriber never blocks the writer.
func (l *Log) Committed(entries []*types.ChangeEntry) {
	if len(entries) == 0 {
		return
	}
	l.lastLSN.Store(entries[len(entries)-1].LSN)
	l.mu.Lock()
	for s := range l.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
}

// LastLSN is the highest committed LSN.
func (l *Log) LastLSN() uint64 {
	return l.lastLSN.Load()
}

// OldestLSN is the lowest retained LSN, zero when the log is empty.
func (l *Log) OldestLSN() (uint64, error) {
	var lsn uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(rowstore.BucketChangelog).Cursor().First(); k != nil {
			lsn = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return lsn, err
}

// lowestAcked returns the minimum acknowledged cursor over open streams and
// whether any stream exists.
func (l *Log) lowestAcked() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) == 0 {
		return 0, false
	}
	low := ^uint64(0)
	for s := range l.subs {
		if a := s.acked.Load(); a < low {
			low = a
		}
	}
	return low, true
}

// TrimReport summarizes one retention pass.
type TrimReport struct {
	EntriesRemoved int
	BytesReclaimed int64
	RetainedLSN    uint64
}

// Trim removes entries older than the retention window, and further entries
// oldest-first while the tree exceeds the size cap. Entries above the lowest
// acknowledged subscriber cursor are never removed: slow subscribers block
// trim, not writers.
func (l *Log) Trim(now time.Time) (*TrimReport, error) {
	cutoff := now.Add(-l.opts.Retention).UnixMicro()
	ackedFloor, haveSubs := l.lowestAcked()

	report := &TrimReport{}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowstore.BucketChangelog)

		var total int64
		type entryInfo struct {
			lsn  uint64
			ts   int64
			size int64
		}
		var infos []entryInfo
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := DecodeEntry(v)
			if err != nil {
				return types.Internal(err)
			}
			infos = append(infos, entryInfo{
				lsn:  binary.BigEndian.Uint64(k),
				ts:   e.TS,
				size: int64(len(k) + len(v)),
			})
			total += int64(len(k) + len(v))
		}

		removable := func(in entryInfo) bool {
			return !haveSubs || in.lsn <= ackedFloor
		}
		var highestTrimmed uint64
		for _, in := range infos {
			old := in.ts < cutoff
			oversize := total > l.opts.SizeCap
			if !(old || oversize) || !removable(in) {
				break
			}
			if err := b.Delete(lsnKey(in.lsn)); err != nil {
				return types.Internal(err)
			}
			report.EntriesRemoved++
			report.BytesReclaimed += in.size
			total -= in.size
			highestTrimmed = in.lsn
		}
		if highestTrimmed > 0 {
			report.RetainedLSN = highestTrimmed
			return tx.Bucket(rowstore.BucketMeta).Put([]byte("retained_lsn"), lsnKey(highestTrimmed))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.EntriesRemoved > 0 {
		lsnLogger := log.WithLSN(l.logger, report.RetainedLSN)
		lsnLogger.Debug().
			Int("entries_removed", report.EntriesRemoved).
			Int64("bytes_reclaimed", report.BytesReclaimed).
			Msg("changelog trimmed")
	}
	return report, nil
}

// EncodeEntry serializes an entry into the bit-exact little-endian wire
// layout of the changelog tree:
//
//	u64 lsn; i64 ts_us; u8 op
//	u32 entity_len; bytes entity
//	16  id
//	u32 before_len; bytes before
//	u32 after_len;  bytes after
func EncodeEntry(e *types.ChangeEntry) []byte {
	buf := make([]byte, 0, 8+8+1+4+len(e.Entity)+16+4+len(e.Before)+4+len(e.After))
	buf = binary.LittleEndian.AppendUint64(buf, e.LSN)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TS))
	buf = append(buf, byte(e.Op))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Entity)))
	buf = append(buf, e.Entity...)
	buf = append(buf, e.ID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Before)))
	buf = append(buf, e.Before...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.After)))
	buf = append(buf, e.After...)
	return buf
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(buf []byte) (*types.ChangeEntry, error) {
	const fixed = 8 + 8 + 1 + 4
	if len(buf) < fixed {
		return nil, fmt.Errorf("short changelog entry")
	}
	e := &types.ChangeEntry{}
	e.LSN = binary.LittleEndian.Uint64(buf[0:8])
	e.TS = int64(binary.LittleEndian.Uint64(buf[8:16]))
	e.Op = types.Op(buf[16])
	entityLen := int(binary.LittleEndian.Uint32(buf[17:21]))
	off := 21
	if len(buf) < off+entityLen+16+4 {
		return nil, fmt.Errorf("short changelog entry")
	}
	e.Entity = string(buf[off : off+entityLen])
	off += entityLen
	copy(e.ID[:], buf[off:off+16])
	off += 16
	beforeLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+beforeLen+4 {
		return nil, fmt.Errorf("short changelog entry")
	}
	if beforeLen > 0 {
		e.Before = append([]byte(nil), buf[off:off+beforeLen]...)
	}
	off += beforeLen
	afterLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+afterLen {
		return nil, fmt.Errorf("short changelog entry")
	}
	if afterLen > 0 {
		e.After = append([]byte(nil), buf[off:off+afterLen]...)
	}
	return e, nil
}
