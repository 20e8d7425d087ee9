package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// rowFormat is the row-codec version byte. Bumped only for layout changes;
// field-level schema evolution rides on the catalog schema version instead.
const rowFormat = 1

// EncodeRecord serializes a record into the length-prefixed, field-tagged
// row-codec payload stored in the rows tree and in change-log entries.
func EncodeRecord(r *types.Record) ([]byte, error) {
	buf := make([]byte, 0, 64+len(r.Fields)*24)
	buf = append(buf, rowFormat)
	buf = appendUvarint(buf, r.Schema)
	buf = appendUvarint(buf, r.Version)
	buf = appendUvarint(buf, uint64(r.CreatedAt))
	buf = appendUvarint(buf, uint64(r.UpdatedAt))
	buf = appendUvarint(buf, uint64(r.DeletedAt))
	buf = append(buf, r.ID[:]...)
	buf = appendUvarint(buf, uint64(len(r.Fields)))
	for name, v := range r.Fields {
		buf = appendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		buf = append(buf, byte(v.Kind()))
		payload, err := encodePayload(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		buf = appendUvarint(buf, uint64(len(payload)))
		buf = append(buf, payload...)
	}
	return buf, nil
}

// DecodeRecord parses a row-codec payload. Unknown trailing bytes are
// ignored so newer writers remain readable.
func DecodeRecord(buf []byte) (*types.Record, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty row payload")
	}
	if buf[0] != rowFormat {
		return nil, fmt.Errorf("unknown row format %d", buf[0])
	}
	d := decoder{buf: buf, off: 1}
	r := &types.Record{Fields: types.FieldMap{}}
	r.Schema = d.uvarint()
	r.Version = d.uvarint()
	r.CreatedAt = int64(d.uvarint())
	r.UpdatedAt = int64(d.uvarint())
	r.DeletedAt = int64(d.uvarint())
	idb := d.take(16)
	if d.err != nil {
		return nil, d.err
	}
	copy(r.ID[:], idb)
	n := d.uvarint()
	for i := uint64(0); i < n; i++ {
		nameLen := d.uvarint()
		name := string(d.take(int(nameLen)))
		kindB := d.take(1)
		payloadLen := d.uvarint()
		payload := d.take(int(payloadLen))
		if d.err != nil {
			return nil, d.err
		}
		v, err := decodePayload(types.Kind(kindB[0]), payload)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		r.Fields[name] = v
	}
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

func encodePayload(v types.Value) ([]byte, error) {
	switch v.Kind() {
	case types.KindNull:
		return nil, nil
	case types.KindUUID:
		return v.Raw(), nil
	case types.KindString, types.KindJSON:
		return []byte(v.Str()), nil
	case types.KindInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v.Int())))
		return b[:], nil
	case types.KindInt64, types.KindTimestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int()))
		return b[:], nil
	case types.KindFloat32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(v.Float())))
		return b[:], nil
	case types.KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float()))
		return b[:], nil
	case types.KindBool:
		if v.Bool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case types.KindBytes:
		return v.Raw(), nil
	}
	return nil, fmt.Errorf("unsupported kind %s", v.Kind())
}

func decodePayload(kind types.Kind, payload []byte) (types.Value, error) {
	switch kind {
	case types.KindNull:
		return types.Null(), nil
	case types.KindUUID:
		id, err := types.IDFromBytes(payload)
		if err != nil {
			return types.Null(), err
		}
		return types.UUID(id), nil
	case types.KindString:
		return types.String(string(payload)), nil
	case types.KindJSON:
		return types.JSON(string(payload)), nil
	case types.KindInt32:
		if len(payload) != 4 {
			return types.Null(), fmt.Errorf("bad int32 payload")
		}
		return types.Int32(int32(binary.BigEndian.Uint32(payload))), nil
	case types.KindInt64:
		if len(payload) != 8 {
			return types.Null(), fmt.Errorf("bad int64 payload")
		}
		return types.Int64(int64(binary.BigEndian.Uint64(payload))), nil
	case types.KindTimestamp:
		if len(payload) != 8 {
			return types.Null(), fmt.Errorf("bad timestamp payload")
		}
		return types.Timestamp(int64(binary.BigEndian.Uint64(payload))), nil
	case types.KindFloat32:
		if len(payload) != 4 {
			return types.Null(), fmt.Errorf("bad float32 payload")
		}
		return types.Float32(math.Float32frombits(binary.BigEndian.Uint32(payload))), nil
	case types.KindFloat64:
		if len(payload) != 8 {
			return types.Null(), fmt.Errorf("bad float64 payload")
		}
		return types.Float64(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case types.KindBool:
		if len(payload) != 1 {
			return types.Null(), fmt.Errorf("bad bool payload")
		}
		return types.Bool(payload[0] != 0), nil
	case types.KindBytes:
		return types.Bytes(append([]byte(nil), payload...)), nil
	}
	return types.Null(), fmt.Errorf("unknown kind %d", kind)
}

func appendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.err = fmt.Errorf("truncated row payload")
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("truncated row payload")
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}
