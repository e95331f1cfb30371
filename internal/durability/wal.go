package durability

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/collabmd/collabmd/internal/ot"
	"github.com/collabmd/collabmd/pkg/logger"
)

const walFilename = "wal.v1"

// readWAL streams records from r in order, verifying each checksum and
// that rev == lastRev+1 (lastRev from the snapshot, 0 if none). It
// stops at the first bad record without erroring: the remainder of
// the file is treated as a torn write from a crash and is discarded,
// and goodBytes reports how many bytes of r were good so the caller can
// truncate the trailing garbage.
func readWAL(r io.Reader, lastRev uint64) (ops []ot.AppliedOp, goodBytes int64) {
	br := bufio.NewReader(r)
	var consumed int64
	expected := lastRev

	for {
		header := make([]byte, recordHeader)
		n, rerr := io.ReadFull(br, header)
		if rerr == io.EOF || (rerr == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if rerr != nil {
			logger.Warn("wal: truncating at offset %d: %v", consumed, rerr)
			break
		}

		bodyLen := binary.BigEndian.Uint32(header[0:4])
		crc := binary.BigEndian.Uint32(header[4:8])
		body := make([]byte, bodyLen)
		if _, rerr := io.ReadFull(br, body); rerr != nil {
			logger.Warn("wal: truncating at offset %d: incomplete record body: %v", consumed, rerr)
			break
		}

		if crc32.Checksum(body, castagnoli) != crc {
			logger.Warn("wal: truncating at offset %d: checksum mismatch", consumed)
			break
		}

		applied, derr := decodeRecordBody(body)
		if derr != nil {
			logger.Warn("wal: truncating at offset %d: %v", consumed, derr)
			break
		}
		if applied.Rev != expected+1 {
			logger.Warn("wal: truncating at offset %d: expected rev %d, got %d", consumed, expected+1, applied.Rev)
			break
		}

		ops = append(ops, applied)
		expected = applied.Rev
		consumed += int64(recordHeader) + int64(bodyLen)
	}

	return ops, consumed
}

// appendRecord writes one WAL record to f and fsyncs it.
func appendRecord(f *os.File, applied ot.AppliedOp) (int64, error) {
	buf := encodeRecord(applied)
	n, err := f.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("write wal record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("fsync wal: %w", err)
	}
	return int64(n), nil
}
