package durability

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/collabmd/collabmd/internal/ot"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	keyLen        = 16
	recordHeader  = 4 + 4 // len, crc
	recordBodyMin = 8 + keyLen + keyLen + 8 + 1
)

// idKey derives the fixed 16-byte storage key for an author_id or
// op_id string, by truncating its SHA-256 digest. The mapping is
// one-way: a record read back from the WAL carries the hex-encoded
// key in place of the original string, not the original itself.
func idKey(id string) [keyLen]byte {
	sum := sha256.Sum256([]byte(id))
	var out [keyLen]byte
	copy(out[:], sum[:keyLen])
	return out
}

func idKeyString(key [keyLen]byte) string {
	return hex.EncodeToString(key[:])
}

// encodeRecord serialises one applied op as a length-prefixed,
// CRC32C-checked WAL record:
// { len u32, crc u32, rev u64, author_id [16]byte, op_id [16]byte,
//   ts_ms u64, op_kind u8, payload }
// Insert payload is { pos u32, text_len u32, text []byte }; Delete
// payload is { pos u32, len u32 }.
func encodeRecord(applied ot.AppliedOp) []byte {
	var payload []byte
	switch applied.Op.Kind {
	case ot.Insert:
		text := []byte(applied.Op.Text)
		payload = make([]byte, 8+len(text))
		binary.BigEndian.PutUint32(payload[0:4], applied.Op.Pos)
		binary.BigEndian.PutUint32(payload[4:8], uint32(len(text)))
		copy(payload[8:], text)
	case ot.Delete:
		payload = make([]byte, 8)
		binary.BigEndian.PutUint32(payload[0:4], applied.Op.Pos)
		binary.BigEndian.PutUint32(payload[4:8], applied.Op.Len)
	}

	body := make([]byte, recordBodyMin+len(payload))
	binary.BigEndian.PutUint64(body[0:8], applied.Rev)
	authorKey := idKey(applied.AuthorID)
	opKey := idKey(applied.OpID)
	copy(body[8:8+keyLen], authorKey[:])
	copy(body[8+keyLen:8+2*keyLen], opKey[:])
	binary.BigEndian.PutUint64(body[8+2*keyLen:16+2*keyLen], uint64(applied.TsMs))
	body[16+2*keyLen] = byte(applied.Op.Kind)
	copy(body[recordBodyMin:], payload)

	crc := crc32.Checksum(body, castagnoli)
	out := make([]byte, recordHeader+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(out[4:8], crc)
	copy(out[recordHeader:], body)
	return out
}

// decodeRecordBody parses a validated record body (crc already
// checked, len already consumed) into an AppliedOp. The returned
// AuthorID/OpID are the hex-encoded storage keys, not the original
// strings — the original author/op identifiers are not recoverable
// from the WAL.
func decodeRecordBody(body []byte) (ot.AppliedOp, error) {
	if len(body) < recordBodyMin {
		return ot.AppliedOp{}, fmt.Errorf("record body too short: %d bytes", len(body))
	}
	rev := binary.BigEndian.Uint64(body[0:8])
	var authorKey, opKey [keyLen]byte
	copy(authorKey[:], body[8:8+keyLen])
	copy(opKey[:], body[8+keyLen:8+2*keyLen])
	tsMs := int64(binary.BigEndian.Uint64(body[8+2*keyLen : 16+2*keyLen]))
	kind := ot.Kind(body[16+2*keyLen])
	payload := body[recordBodyMin:]

	var op ot.Op
	switch kind {
	case ot.Insert:
		if len(payload) < 8 {
			return ot.AppliedOp{}, fmt.Errorf("insert payload too short")
		}
		pos := binary.BigEndian.Uint32(payload[0:4])
		textLen := binary.BigEndian.Uint32(payload[4:8])
		if uint64(8+textLen) > uint64(len(payload)) {
			return ot.AppliedOp{}, fmt.Errorf("insert text length out of range")
		}
		op = ot.NewInsert(pos, string(payload[8:8+textLen]))
	case ot.Delete:
		if len(payload) < 8 {
			return ot.AppliedOp{}, fmt.Errorf("delete payload too short")
		}
		pos := binary.BigEndian.Uint32(payload[0:4])
		length := binary.BigEndian.Uint32(payload[4:8])
		op = ot.NewDelete(pos, length)
	default:
		return ot.AppliedOp{}, fmt.Errorf("unknown op_kind %d", kind)
	}

	return ot.AppliedOp{
		Rev:      rev,
		Op:       op,
		AuthorID: idKeyString(authorKey),
		OpID:     idKeyString(opKey),
		TsMs:     tsMs,
	}, nil
}
