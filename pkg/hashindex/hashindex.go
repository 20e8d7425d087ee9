package hashindex

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Index maps (entity, field, value-hash) to the set of entity ids whose
// field equals the value. Maintained synchronously for every declared field.
// Because keys truncate the hash to 16 bytes, readers must re-verify the
// value against the row before trusting a hit.
type Index struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// New wraps the hash_idx tree of the shared database.
func New(db *bolt.DB) *Index {
	return &Index{db: db, logger: log.WithComponent("hashindex")}
}

// Key builds the index key: entity ‖ 0x00 ‖ field ‖ 0x00 ‖ hash16.
func Key(entity, field string, h [codec.HashSize]byte) []byte {
	key := make([]byte, 0, len(entity)+1+len(field)+1+codec.HashSize)
	key = append(key, entity...)
	key = append(key, 0)
	key = append(key, field...)
	key = append(key, 0)
	key = append(key, h[:]...)
	return key
}

// AddTx inserts an id into the posting list for (entity, field, value).
// Null values carry no index entry.
func (ix *Index) AddTx(tx *bolt.Tx, entity, field string, v types.Value, id types.ID) error {
	if v.IsNull() {
		return nil
	}
	return ix.addHashTx(tx, Key(entity, field, codec.HashValue(v)), id)
}

func (ix *Index) addHashTx(tx *bolt.Tx, key []byte, id types.ID) error {
	b := tx.Bucket(rowstore.BucketHashIndex)
	ids, err := decodeSlots(b.Get(key))
	if err != nil {
		return types.Internal(err)
	}
	pos := sort.Search(len(ids), func(i int) bool { return types.CompareIDs(ids[i], id) >= 0 })
	if pos < len(ids) && ids[pos] == id {
		return nil
	}
	ids = append(ids, types.ID{})
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return putSlots(b, key, ids)
}

// RemoveTx drops an id from the posting list; empty lists are removed.
func (ix *Index) RemoveTx(tx *bolt.Tx, entity, field string, v types.Value, id types.ID) error {
	if v.IsNull() {
		return nil
	}
	key := Key(entity, field, codec.HashValue(v))
	b := tx.Bucket(rowstore.BucketHashIndex)
	ids, err := decodeSlots(b.Get(key))
	if err != nil {
		return types.Internal(err)
	}
	pos := sort.Search(len(ids), func(i int) bool { return types.CompareIDs(ids[i], id) >= 0 })
	if pos >= len(ids) || ids[pos] != id {
		return nil
	}
	ids = append(ids[:pos], ids[pos+1:]...)
	if len(ids) == 0 {
		if err := b.Delete(key); err != nil {
			return types.Internal(err)
		}
		return nil
	}
	return putSlots(b, key, ids)
}

// Posting is one (value, id) pair for the batch path.
type Posting struct {
	Value types.Value
	ID    types.ID
}

// AddBatchTx groups postings by key before touching the tree, so each
// posting list is read-modify-written once per batch.
func (ix *Index) AddBatchTx(tx *bolt.Tx, entity, field string, postings []Posting) error {
	grouped := make(map[string][]types.ID)
	for _, p := range postings {
		if p.Value.IsNull() {
			continue
		}
		key := Key(entity, field, codec.HashValue(p.Value))
		grouped[string(key)] = append(grouped[string(key)], p.ID)
	}
	b := tx.Bucket(rowstore.BucketHashIndex)
	for key, newIDs := range grouped {
		ids, err := decodeSlots(b.Get([]byte(key)))
		if err != nil {
			return types.Internal(err)
		}
		ids = append(ids, newIDs...)
		sort.Slice(ids, func(i, j int) bool { return types.CompareIDs(ids[i], ids[j]) < 0 })
		ids = dedupe(ids)
		if err := putSlots(b, []byte(key), ids); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the id set for (entity, field, value) in id order.
func (ix *Index) Lookup(entity, field string, v types.Value) ([]types.ID, error) {
	var ids []types.ID
	err := ix.db.View(func(tx *bolt.Tx) error {
		var err error
		ids, err = ix.LookupTx(tx, entity, field, v)
		return err
	})
	return ids, err
}

// LookupTx is Lookup inside an existing transaction.
func (ix *Index) LookupTx(tx *bolt.Tx, entity, field string, v types.Value) ([]types.ID, error) {
	if v.IsNull() {
		return nil, nil
	}
	key := Key(entity, field, codec.HashValue(v))
	ids, err := decodeSlots(tx.Bucket(rowstore.BucketHashIndex).Get(key))
	if err != nil {
		return nil, types.Internal(err)
	}
	return ids, nil
}

func dedupe(ids []types.ID) []types.ID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Posting lists are the LZ4-compressed concatenation of 16-byte id slots
// sorted by id, prefixed with the uncompressed length. Lists that do not
// compress are stored raw; the length prefix disambiguates.
func putSlots(b *bolt.Bucket, key []byte, ids []types.ID) error {
	raw := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		raw = append(raw, id[:]...)
	}
	value := binary.AppendUvarint(nil, uint64(len(raw)))

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, compressed)
	if err != nil {
		return types.Internal(err)
	}
	if n > 0 && n < len(raw) {
		value = append(value, compressed[:n]...)
	} else {
		value = append(value, raw...)
	}
	if err := b.Put(key, value); err != nil {
		return types.Internal(err)
	}
	return nil
}

func decodeSlots(value []byte) ([]types.ID, error) {
	if len(value) == 0 {
		return nil, nil
	}
	rawLen, n := binary.Uvarint(value)
	if n <= 0 {
		return nil, fmt.Errorf("corrupt posting list header")
	}
	body := value[n:]
	var raw []byte
	if uint64(len(body)) == rawLen {
		raw = body
	} else {
		raw = make([]byte, rawLen)
		m, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt posting list: %w", err)
		}
		raw = raw[:m]
	}
	if len(raw)%16 != 0 {
		return nil, fmt.Errorf("posting list length %d not a multiple of 16", len(raw))
	}
	ids := make([]types.ID, len(raw)/16)
	for i := range ids {
		copy(ids[i][:], raw[i*16:])
	}
	return ids, nil
}

// Verify rechecks a candidate id against the actual row value, guarding
// against truncation collisions.
func Verify(rec *types.Record, field string, want types.Value) bool {
	if rec == nil || !rec.Live() {
		return false
	}
	got, ok := rec.Fields[field]
	if field == "id" {
		got, ok = types.UUID(rec.ID), true
	}
	if !ok {
		return false
	}
	return types.Equal(got, want)
}
