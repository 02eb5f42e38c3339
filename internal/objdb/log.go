package objdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// Log file layout, all integers big-endian:
//
//	magic                      8 bytes, "OBJSYNC1"
//	transaction:
//	    tid                    8 bytes
//	    noteLen                4 bytes
//	    note                   noteLen bytes
//	    dataLen                4 bytes
//	    data                   dataLen bytes
//	data:
//	    record:
//	        oid                8 bytes
//	        plen               4 bytes
//	        payload            plen bytes (plen == 0 marks a deletion)
//
// Transactions are strictly append-only and ordered by tid, so a scan
// is a single forward pass with no random access.

var logMagic = [8]byte{'O', 'B', 'J', 'S', 'Y', 'N', 'C', '1'}

const (
	lenFieldSize = 4
	// maxRecordLen bounds a single length field to catch corrupt
	// headers before attempting a huge allocation.
	maxRecordLen = 1 << 30
)

// txnRecord is one decoded transaction header plus its raw data block.
type txnRecord struct {
	tid  TID
	note string
	data []byte
}

// recordOIDs walks the transaction's data block and appends every
// record's OID. The payloads themselves are never decoded here.
func (t *txnRecord) recordOIDs(dst map[OID]struct{}) error {
	pos := 0
	for pos < len(t.data) {
		if pos+idLen+lenFieldSize > len(t.data) {
			return fmt.Errorf("transaction %s: %w", t.tid, apperrors.ErrCorruptLog)
		}
		var oid OID
		copy(oid[:], t.data[pos:pos+idLen])
		plen := binary.BigEndian.Uint32(t.data[pos+idLen : pos+idLen+lenFieldSize])
		pos += idLen + lenFieldSize + int(plen)
		if pos > len(t.data) {
			return fmt.Errorf("transaction %s: %w", t.tid, apperrors.ErrCorruptLog)
		}
		dst[oid] = struct{}{}
	}
	return nil
}

// readTxn reads the next transaction from r. Returns io.EOF at a
// clean end of log and apperrors.ErrCorruptLog on a truncated one.
func readTxn(r *bufio.Reader) (*txnRecord, error) {
	var tid TID
	if _, err := io.ReadFull(r, tid[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read transaction header: %w", apperrors.ErrCorruptLog)
	}
	note, err := readBlock(r)
	if err != nil {
		return nil, fmt.Errorf("transaction %s note: %w", tid, err)
	}
	data, err := readBlock(r)
	if err != nil {
		return nil, fmt.Errorf("transaction %s data: %w", tid, err)
	}
	return &txnRecord{tid: tid, note: string(note), data: data}, nil
}

// readBlock reads a 4-byte length prefix followed by that many bytes.
func readBlock(r *bufio.Reader) ([]byte, error) {
	var lenBuf [lenFieldSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperrors.ErrCorruptLog
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxRecordLen {
		return nil, apperrors.ErrCorruptLog
	}
	block := make([]byte, size)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, apperrors.ErrCorruptLog
	}
	return block, nil
}

// encodeTxn serializes a transaction for appending to the log.
func encodeTxn(tid TID, note string, records []rawRecord) []byte {
	dataLen := 0
	for _, rec := range records {
		dataLen += idLen + lenFieldSize + len(rec.payload)
	}
	buf := make([]byte, 0, idLen+2*lenFieldSize+len(note)+dataLen)
	buf = append(buf, tid[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(note)))
	buf = append(buf, note...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(dataLen))
	for _, rec := range records {
		buf = append(buf, rec.oid[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.payload)))
		buf = append(buf, rec.payload...)
	}
	return buf
}

// rawRecord is one encoded object write. A nil payload marks a
// deletion.
type rawRecord struct {
	oid     OID
	payload []byte
}

// ScanRange reads the log at path and returns the set of OIDs touched
// by any transaction whose TID falls in the closed range [start, stop].
// A range with start > stop yields the empty set, which is the normal
// case when the watermark already covers the visible history. The log
// is read strictly sequentially; an unreadable or corrupt log is fatal
// for the calling scan because the affected objects cannot be guessed.
func ScanRange(path string, start, stop TID) (map[OID]struct{}, error) {
	oids := make(map[OID]struct{})
	if start.Compare(stop) > 0 {
		return oids, nil
	}

	f, err := os.Open(path) //nolint:gosec // path is application controlled
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	var magic [idLen]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != logMagic {
		return nil, fmt.Errorf("log %s: %w", path, apperrors.ErrCorruptLog)
	}

	for {
		txn, err := readTxn(r)
		if errors.Is(err, io.EOF) {
			return oids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan log %s: %w", path, err)
		}
		// TIDs are appended in increasing order, so everything
		// past stop is out of range.
		if txn.tid.Compare(stop) > 0 {
			return oids, nil
		}
		if txn.tid.Compare(start) < 0 {
			continue
		}
		if err := txn.recordOIDs(oids); err != nil {
			return nil, fmt.Errorf("scan log %s: %w", path, err)
		}
	}
}
