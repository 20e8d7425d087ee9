package btreeindex

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Index is the ordered index over (entity, field): keys are
// entity ‖ 0x00 ‖ field ‖ 0x00 ‖ enc(value) ‖ id, values the 16-byte id.
// Trees are built lazily by the first query that benefits; the built-state
// set is persisted in the meta tree so a build runs at most once per
// (entity, field) across restarts. Writes maintain a tree synchronously only
// once its built-state says so.
type Index struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu      sync.RWMutex
	built   map[string]struct{}
	buildMu sync.Mutex
}

var builtPrefix = []byte("btree_built\x00")

func builtKey(entity, field string) []byte {
	key := append([]byte(nil), builtPrefix...)
	key = append(key, entity...)
	key = append(key, 0)
	key = append(key, field...)
	return key
}

func stateKey(entity, field string) string {
	return entity + "\x00" + field
}

// New wraps the btree_idx tree and loads the persisted built-state set.
func New(db *bolt.DB) (*Index, error) {
	ix := &Index{
		db:     db,
		logger: log.WithComponent("btreeindex"),
		built:  map[string]struct{}{},
	}
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rowstore.BucketMeta).Cursor()
		for k, _ := c.Seek(builtPrefix); k != nil && bytes.HasPrefix(k, builtPrefix); k, _ = c.Next() {
			rest := k[len(builtPrefix):]
			sep := bytes.IndexByte(rest, 0)
			if sep < 0 {
				continue
			}
			ix.built[stateKey(string(rest[:sep]), string(rest[sep+1:]))] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// Built reports whether the tree for (entity, field) is materialized.
func (ix *Index) Built(entity, field string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.built[stateKey(entity, field)]
	return ok
}

// BuiltSet snapshots the built-state set, for diagnostics.
func (ix *Index) BuiltSet() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.built))
	for k := range ix.built {
		out = append(out, k)
	}
	return out
}

// Source feeds (value, id) pairs of live records into a build.
type Source func(fn func(v types.Value, id types.ID) error) error

// Build materializes the tree for (entity, field) by a one-shot scan of the
// given source (the columnar projection), then persists the built-state.
// Concurrent and repeated calls collapse to one build.
func (ix *Index) Build(entity, field string, source Source) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	if ix.Built(entity, field) {
		return nil
	}
	ix.logger.Info().Str("entity", entity).Str("field", field).Msg("building b-tree index")

	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowstore.BucketBTreeIndex)
		err := source(func(v types.Value, id types.ID) error {
			if v.IsNull() {
				return nil
			}
			key, err := entryKey(entity, field, v, id)
			if err != nil {
				return err
			}
			return b.Put(key, id.Bytes())
		})
		if err != nil {
			return err
		}
		return tx.Bucket(rowstore.BucketMeta).Put(builtKey(entity, field), []byte{1})
	})
	if err != nil {
		return types.Internal(err)
	}

	ix.mu.Lock()
	ix.built[stateKey(entity, field)] = struct{}{}
	ix.mu.Unlock()
	return nil
}

func treePrefix(entity, field string) []byte {
	key := make([]byte, 0, len(entity)+1+len(field)+1)
	key = append(key, entity...)
	key = append(key, 0)
	key = append(key, field...)
	key = append(key, 0)
	return key
}

func entryKey(entity, field string, v types.Value, id types.ID) ([]byte, error) {
	key := treePrefix(entity, field)
	key, err := codec.OrderEncode(key, v)
	if err != nil {
		return nil, err
	}
	return append(key, id[:]...), nil
}

// AddTx inserts an entry when the tree is built; otherwise the write is
// skipped and the tree rebuilds on next use.
func (ix *Index) AddTx(tx *bolt.Tx, entity, field string, v types.Value, id types.ID) error {
	if v.IsNull() || !ix.Built(entity, field) {
		return nil
	}
	key, err := entryKey(entity, field, v, id)
	if err != nil {
		return types.Internal(err)
	}
	if err := tx.Bucket(rowstore.BucketBTreeIndex).Put(key, id.Bytes()); err != nil {
		return types.Internal(err)
	}
	return nil
}

// RemoveTx drops an entry when the tree is built.
func (ix *Index) RemoveTx(tx *bolt.Tx, entity, field string, v types.Value, id types.ID) error {
	if v.IsNull() || !ix.Built(entity, field) {
		return nil
	}
	key, err := entryKey(entity, field, v, id)
	if err != nil {
		return types.Internal(err)
	}
	if err := tx.Bucket(rowstore.BucketBTreeIndex).Delete(key); err != nil {
		return types.Internal(err)
	}
	return nil
}

// ScanRange walks entries whose encoded value lies in [min, max], both
// inclusive, in encoded order (reverse walks descending). Nil bounds are
// open. The callback receives the encoded value (id suffix stripped).
// Because string encodings carry no terminator, a bound can admit keys whose
// value merely extends it; callers re-verify candidates against the filter.
func (ix *Index) ScanRange(entity, field string, min, max []byte, reverse bool, fn func(enc []byte, id types.ID) error) error {
	prefix := treePrefix(entity, field)

	lo := prefix
	if min != nil {
		lo = append(append([]byte(nil), prefix...), min...)
	}
	var hiExcl []byte // first key past the range, nil = end of tree
	if max != nil {
		hiExcl = codec.PrefixSuccessor(append(append([]byte(nil), prefix...), max...))
	} else {
		hiExcl = codec.PrefixSuccessor(prefix)
	}

	return ix.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rowstore.BucketBTreeIndex).Cursor()
		emit := func(k []byte) error {
			enc := k[len(prefix):]
			if len(enc) < 16 {
				return nil
			}
			id, err := types.IDFromBytes(enc[len(enc)-16:])
			if err != nil {
				return nil
			}
			return fn(enc[:len(enc)-16], id)
		}

		if !reverse {
			for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
				if !bytes.HasPrefix(k, prefix) {
					break
				}
				if hiExcl != nil && bytes.Compare(k, hiExcl) >= 0 {
					break
				}
				if err := emit(k); err != nil {
					return err
				}
			}
			return nil
		}

		// Descending: position at the last key below hiExcl.
		var k []byte
		if hiExcl != nil {
			k, _ = c.Seek(hiExcl)
			if k == nil {
				k, _ = c.Last()
			} else {
				k, _ = c.Prev()
			}
		} else {
			k, _ = c.Last()
		}
		for ; k != nil; k, _ = c.Prev() {
			if !bytes.HasPrefix(k, prefix) || bytes.Compare(k, lo) < 0 {
				break
			}
			if err := emit(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanGt walks entries strictly greater than the encoded value, using the
// exclusive-successor encoding of the bound.
func (ix *Index) ScanGt(entity, field string, enc []byte, fn func(enc []byte, id types.ID) error) error {
	succ := codec.PrefixSuccessor(enc)
	if succ == nil {
		return nil
	}
	return ix.ScanRange(entity, field, succ, nil, false, fn)
}

// ScanPrefix walks entries whose encoded value starts with the prefix, in
// order. Serves like-'prefix%' filters on string fields.
func (ix *Index) ScanPrefix(entity, field string, valuePrefix []byte, fn func(enc []byte, id types.ID) error) error {
	prefix := treePrefix(entity, field)
	lo := append(append([]byte(nil), prefix...), valuePrefix...)
	hiExcl := codec.PrefixSuccessor(lo)

	return ix.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rowstore.BucketBTreeIndex).Cursor()
		for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
			if hiExcl != nil && bytes.Compare(k, hiExcl) >= 0 {
				break
			}
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			enc := k[len(prefix):]
			if len(enc) < 16 {
				continue
			}
			id, err := types.IDFromBytes(enc[len(enc)-16:])
			if err != nil {
				continue
			}
			if err := fn(enc[:len(enc)-16], id); err != nil {
				return err
			}
		}
		return nil
	})
}
