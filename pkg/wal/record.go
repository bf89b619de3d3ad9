package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"

	"github.com/nainya/calicodb/pkg/page"
)

// RecordType distinguishes physical record frames
type RecordType byte

const (
	// TypeFull is a logical payload carried by a single frame
	TypeFull RecordType = 1

	// TypeFirst opens a fragmented payload
	TypeFirst RecordType = 2

	// TypeMiddle continues a fragmented payload
	TypeMiddle RecordType = 3

	// TypeLast closes a fragmented payload
	TypeLast RecordType = 4

	// TypeCommit marks a transaction boundary
	TypeCommit RecordType = 5
)

const (
	// FrameHeaderSize is the fixed physical frame prefix:
	// LSN(8) + CRC32C(4) + type(1) + payload length(2)
	FrameHeaderSize = 15

	// MaxFragmentPayload is the largest payload one frame can carry,
	// bounded by the 2-byte length field
	MaxFragmentPayload = 65535

	// snappyThreshold is the payload body size above which the body
	// is snappy-framed if that actually shrinks it
	snappyThreshold = 256

	flagSnappy = 0x01
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// DeltaEntry is one modified byte range of a page update record,
// carrying both the pre- and post-modification bytes
type DeltaEntry struct {
	Offset uint16
	Before []byte
	After  []byte
}

// UpdateRecord is the logical payload of a page modification
type UpdateRecord struct {
	Lsn     page.Lsn
	PageId  page.Id
	Entries []DeltaEntry
}

// encodeFrame appends a physical frame for one fragment to dst.
// The CRC covers everything after itself: type, length and payload.
func encodeFrame(dst []byte, lsn page.Lsn, rtype RecordType, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, FrameHeaderSize)...)
	dst = append(dst, payload...)

	buf := dst[start:]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(lsn))
	buf[12] = byte(rtype)
	binary.LittleEndian.PutUint16(buf[13:15], uint16(len(payload)))
	crc := crc32.Checksum(buf[12:], crcTable)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return dst
}

// decodeFrame parses one physical frame from buf. It returns the
// parsed fields and the frame's total encoded size.
func decodeFrame(buf []byte) (lsn page.Lsn, rtype RecordType, payload []byte, size int, err error) {
	if len(buf) < FrameHeaderSize {
		return 0, 0, nil, 0, ErrTruncated
	}
	lsn = page.Lsn(binary.LittleEndian.Uint64(buf[0:8]))
	storedCrc := binary.LittleEndian.Uint32(buf[8:12])
	rtype = RecordType(buf[12])
	length := int(binary.LittleEndian.Uint16(buf[13:15]))
	size = FrameHeaderSize + length
	if len(buf) < size {
		return 0, 0, nil, 0, ErrTruncated
	}
	if crc32.Checksum(buf[12:size], crcTable) != storedCrc {
		return 0, 0, nil, 0, ErrCorrupted
	}
	if rtype < TypeFull || rtype > TypeCommit {
		return 0, 0, nil, 0, ErrCorrupted
	}
	return lsn, rtype, buf[FrameHeaderSize:size], size, nil
}

// encodePayload serializes an update record's logical payload:
// flags(1) + page id(8) + body, where body is the delta entry list,
// snappy-framed when that shrinks a large body.
func encodePayload(rec UpdateRecord) []byte {
	bodySize := 2
	for _, e := range rec.Entries {
		bodySize += page.DeltaOverhead + len(e.Before) + len(e.After)
	}
	body := make([]byte, 2, bodySize)
	binary.LittleEndian.PutUint16(body, uint16(len(rec.Entries)))
	for _, e := range rec.Entries {
		var hdr [page.DeltaOverhead]byte
		binary.LittleEndian.PutUint16(hdr[0:2], e.Offset)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(e.After)))
		body = append(body, hdr[:]...)
		body = append(body, e.Before...)
		body = append(body, e.After...)
	}

	var flags byte
	if len(body) > snappyThreshold {
		if packed := snappy.Encode(nil, body); len(packed) < len(body) {
			body = packed
			flags |= flagSnappy
		}
	}

	payload := make([]byte, 9, 9+len(body))
	payload[0] = flags
	binary.LittleEndian.PutUint64(payload[1:9], uint64(rec.PageId))
	return append(payload, body...)
}

// decodePayload parses an update record's logical payload
func decodePayload(lsn page.Lsn, payload []byte) (UpdateRecord, error) {
	if len(payload) < 9 {
		return UpdateRecord{}, ErrCorrupted
	}
	rec := UpdateRecord{
		Lsn:    lsn,
		PageId: page.Id(binary.LittleEndian.Uint64(payload[1:9])),
	}
	body := payload[9:]
	if payload[0]&flagSnappy != 0 {
		unpacked, err := snappy.Decode(nil, body)
		if err != nil {
			return UpdateRecord{}, ErrCorrupted
		}
		body = unpacked
	}
	if len(body) < 2 {
		return UpdateRecord{}, ErrCorrupted
	}
	count := int(binary.LittleEndian.Uint16(body))
	body = body[2:]
	rec.Entries = make([]DeltaEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < page.DeltaOverhead {
			return UpdateRecord{}, ErrCorrupted
		}
		offset := binary.LittleEndian.Uint16(body[0:2])
		size := int(binary.LittleEndian.Uint16(body[2:4]))
		body = body[page.DeltaOverhead:]
		if len(body) < 2*size {
			return UpdateRecord{}, ErrCorrupted
		}
		rec.Entries = append(rec.Entries, DeltaEntry{
			Offset: offset,
			Before: append([]byte(nil), body[:size]...),
			After:  append([]byte(nil), body[size:2*size]...),
		})
		body = body[2*size:]
	}
	return rec, nil
}
