package rowstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

var (
	// Bucket names, one per logical tree.
	BucketRows       = []byte("rows")
	BucketHashIndex  = []byte("hash_idx")
	BucketBTreeIndex = []byte("btree_idx")
	BucketCatalog    = []byte("catalog")
	BucketChangelog  = []byte("changelog")
	BucketMeta       = []byte("meta")
)

// Mode selects the durability behavior of write acknowledgement.
type Mode string

const (
	// ModeFast acks before fsync; a background group commit flushes.
	ModeFast Mode = "fast"
	// ModeNormal acks after the log flush at the end of each op or batch.
	ModeNormal Mode = "normal"
	// ModeParanoid fsyncs inside every commit.
	ModeParanoid Mode = "paranoid"
)

const (
	// DefaultHistoryLimit bounds retained historical versions per record.
	DefaultHistoryLimit = 10

	groupCommitInterval = 50 * time.Millisecond
)

// Key separators inside the rows tree. Current records live under
// entity ‖ 0x00 ‖ id; historical versions under entity ‖ 0x01 ‖ id ‖ version.
const (
	sepCurrent = 0x00
	sepHistory = 0x01
)

// Store is the keyed store of versioned entity records, backed by the rows
// tree. It owns the shared bbolt database handle that the index, catalog and
// changelog trees live in.
type Store struct {
	db           *bolt.DB
	mode         Mode
	historyLimit int
	logger       zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens (creating if needed) the database under dataDir and ensures all
// trees exist.
func Open(dataDir string, mode Mode, historyLimit int) (*Store, error) {
	if mode == "" {
		mode = ModeNormal
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ormdb.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketRows,
			BucketHashIndex,
			BucketBTreeIndex,
			BucketCatalog,
			BucketChangelog,
			BucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		mode:         mode,
		historyLimit: historyLimit,
		logger:       log.WithComponent("rowstore"),
		stopCh:       make(chan struct{}),
	}

	// fast and normal defer the fsync out of the commit path; normal fences
	// explicitly per op, fast group-commits in the background.
	db.NoSync = mode != ModeParanoid
	if mode == ModeFast {
		s.wg.Add(1)
		go s.groupCommitLoop()
	}
	return s, nil
}

// DB exposes the shared database handle for the other trees.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Mode returns the configured durability mode.
func (s *Store) Mode() Mode {
	return s.mode
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	if s.db.NoSync {
		if err := s.db.Sync(); err != nil {
			s.logger.Error().Err(err).Msg("final sync failed")
		}
	}
	return s.db.Close()
}

// Fence applies the durability policy at the end of an op or batch.
func (s *Store) Fence() error {
	if s.mode == ModeNormal {
		return s.db.Sync()
	}
	return nil
}

func (s *Store) groupCommitLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(groupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				s.logger.Error().Err(err).Msg("group commit sync failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// RowKey builds the current-record key: entity ‖ 0x00 ‖ id.
func RowKey(entity string, id types.ID) []byte {
	key := make([]byte, 0, len(entity)+1+16)
	key = append(key, entity...)
	key = append(key, sepCurrent)
	key = append(key, id[:]...)
	return key
}

func historyKey(entity string, id types.ID, version uint64) []byte {
	key := make([]byte, 0, len(entity)+1+16+8)
	key = append(key, entity...)
	key = append(key, sepHistory)
	key = append(key, id[:]...)
	key = binary.BigEndian.AppendUint64(key, version)
	return key
}

// Get fetches the current record, tombstones included. Absent records return
// (nil, nil).
func (s *Store) Get(entity string, id types.ID) (*types.Record, error) {
	var rec *types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.GetTx(tx, entity, id)
		return err
	})
	return rec, err
}

// GetTx is Get inside an existing transaction.
func (s *Store) GetTx(tx *bolt.Tx, entity string, id types.ID) (*types.Record, error) {
	data := tx.Bucket(BucketRows).Get(RowKey(entity, id))
	if data == nil {
		return nil, nil
	}
	rec, err := codec.DecodeRecord(data)
	if err != nil {
		entityLogger := log.WithEntity(s.logger, entity)
		entityLogger.Error().Err(err).Str("id", id.String()).Msg("corrupt row")
		return nil, types.Internal(err)
	}
	return rec, nil
}

// Put writes one record in its own transaction and fences.
func (s *Store) Put(entity string, rec *types.Record) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.PutTx(tx, entity, rec)
	})
	if err != nil {
		return err
	}
	return s.Fence()
}

// PutTx writes the record, archiving the previous version into the history
// keyspace and pruning history beyond the retention bound.
func (s *Store) PutTx(tx *bolt.Tx, entity string, rec *types.Record) error {
	b := tx.Bucket(BucketRows)
	key := RowKey(entity, rec.ID)

	if prev := b.Get(key); prev != nil {
		prevRec, err := codec.DecodeRecord(prev)
		if err != nil {
			return types.Internal(err)
		}
		if err := b.Put(historyKey(entity, rec.ID, prevRec.Version), prev); err != nil {
			return types.Internal(err)
		}
		if err := s.pruneHistoryTx(tx, entity, rec.ID); err != nil {
			return err
		}
	}

	data, err := codec.EncodeRecord(rec)
	if err != nil {
		return types.Internal(err)
	}
	if err := b.Put(key, data); err != nil {
		return types.Internal(err)
	}
	return nil
}

// PutBatch groups puts under a single transaction and durability fence.
func (s *Store) PutBatch(entity string, recs []*types.Record) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, rec := range recs {
			if err := s.PutTx(tx, entity, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Fence()
}

func (s *Store) pruneHistoryTx(tx *bolt.Tx, entity string, id types.ID) error {
	prefix := historyKey(entity, id, 0)[:len(entity)+1+16]
	c := tx.Bucket(BucketRows).Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for len(keys) > s.historyLimit {
		if err := tx.Bucket(BucketRows).Delete(keys[0]); err != nil {
			return types.Internal(err)
		}
		keys = keys[1:]
	}
	return nil
}

// PruneHistoryCountTx removes history entries beyond the bound and reports
// how many were removed and how many payload bytes were freed. Used by
// compaction.
func (s *Store) PruneHistoryCountTx(tx *bolt.Tx, entity string, id types.ID) (int, int64, error) {
	prefix := historyKey(entity, id, 0)[:len(entity)+1+16]
	b := tx.Bucket(BucketRows)
	c := b.Cursor()
	var keys [][]byte
	var sizes []int64
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
		sizes = append(sizes, int64(len(k)+len(v)))
	}
	removed, bytesFreed := 0, int64(0)
	for len(keys) > s.historyLimit {
		if err := b.Delete(keys[0]); err != nil {
			return removed, bytesFreed, types.Internal(err)
		}
		removed++
		bytesFreed += sizes[0]
		keys, sizes = keys[1:], sizes[1:]
	}
	return removed, bytesFreed, nil
}

// RemoveTx physically removes the record and its history. Returns the number
// of payload bytes reclaimed. Used by compaction only; deletion through the
// mutation pipeline writes tombstones.
func (s *Store) RemoveTx(tx *bolt.Tx, entity string, id types.ID) (int64, error) {
	b := tx.Bucket(BucketRows)
	var freed int64

	key := RowKey(entity, id)
	if v := b.Get(key); v != nil {
		freed += int64(len(key) + len(v))
		if err := b.Delete(key); err != nil {
			return freed, types.Internal(err)
		}
	}

	prefix := historyKey(entity, id, 0)[:len(entity)+1+16]
	c := b.Cursor()
	var hkeys [][]byte
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		freed += int64(len(k) + len(v))
		hkeys = append(hkeys, append([]byte(nil), k...))
	}
	for _, k := range hkeys {
		if err := b.Delete(k); err != nil {
			return freed, types.Internal(err)
		}
	}
	return freed, nil
}

// Range iterates current records with id in [lo, hi], in id order.
func (s *Store) Range(entity string, lo, hi types.ID, fn func(*types.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketRows).Cursor()
		start := RowKey(entity, lo)
		end := RowKey(entity, hi)
		for k, v := c.Seek(start); k != nil && bytes.Compare(k, end) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, start[:len(entity)+1]) {
				break
			}
			rec, err := codec.DecodeRecord(v)
			if err != nil {
				return types.Internal(err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scan iterates every current record of the entity in id order.
func (s *Store) Scan(entity string, fn func(*types.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return s.ScanTx(tx, entity, fn)
	})
}

// ScanTx is Scan inside an existing transaction.
func (s *Store) ScanTx(tx *bolt.Tx, entity string, fn func(*types.Record) error) error {
	prefix := append([]byte(entity), sepCurrent)
	c := tx.Bucket(BucketRows).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec, err := codec.DecodeRecord(v)
		if err != nil {
			return types.Internal(err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Versions returns the retained historical versions of a record, oldest
// first, excluding the current one.
func (s *Store) Versions(entity string, id types.ID) ([]*types.Record, error) {
	var out []*types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := historyKey(entity, id, 0)[:len(entity)+1+16]
		c := tx.Bucket(BucketRows).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := codec.DecodeRecord(v)
			if err != nil {
				return types.Internal(err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func metaCountKey(entity string) []byte {
	return append([]byte("count\x00"), entity...)
}

// BumpCountTx adjusts the per-entity live row counter in the meta tree.
func (s *Store) BumpCountTx(tx *bolt.Tx, entity string, delta int64) error {
	b := tx.Bucket(BucketMeta)
	key := metaCountKey(entity)
	var cur int64
	if v := b.Get(key); len(v) == 8 {
		cur = int64(binary.BigEndian.Uint64(v))
	}
	cur += delta
	if cur < 0 {
		cur = 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cur))
	return b.Put(key, buf[:])
}

// LiveCount reads the per-entity live row counter.
func (s *Store) LiveCount(entity string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(BucketMeta).Get(metaCountKey(entity)); len(v) == 8 {
			n = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return n, err
}
