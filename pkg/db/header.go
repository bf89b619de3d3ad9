// ABOUTME: File header layout on the root page
// ABOUTME: Fixed little-endian offsets with a CRC32C over every header field

package db

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nainya/calicodb/pkg/page"
	"github.com/nainya/calicodb/pkg/status"
)

// Magic identifies a CalicoDB data file
const Magic = "CalicoDB\x00\x00\x00\x00\x00\x00\x00\x00"

// Header field offsets within the root page
const (
	headerMagicOffset      = 0
	headerPageSizeOffset   = 16
	headerPageCountOffset  = 18
	headerFreeHeadOffset   = 26
	headerRecordsOffset    = 34
	headerCommitLsnOffset  = 42
	headerRootOffset       = 50
	headerCrcOffset        = 58
	headerSize             = 62
)

var headerCrcTable = crc32.MakeTable(crc32.Castagnoli)

// fileHeader mirrors the root page's header fields
type fileHeader struct {
	pageSize    int
	pageCount   uint64
	freeHead    page.Id
	recordCount uint64
	commitLsn   page.Lsn
	root        page.Id
}

// encode writes the header into the first bytes of a root page
// buffer, recomputing the CRC
func (h *fileHeader) encode(buf []byte) {
	copy(buf[headerMagicOffset:], Magic)
	binary.LittleEndian.PutUint16(buf[headerPageSizeOffset:], uint16(h.pageSize))
	binary.LittleEndian.PutUint64(buf[headerPageCountOffset:], h.pageCount)
	binary.LittleEndian.PutUint64(buf[headerFreeHeadOffset:], uint64(h.freeHead))
	binary.LittleEndian.PutUint64(buf[headerRecordsOffset:], h.recordCount)
	binary.LittleEndian.PutUint64(buf[headerCommitLsnOffset:], uint64(h.commitLsn))
	binary.LittleEndian.PutUint64(buf[headerRootOffset:], uint64(h.root))
	binary.LittleEndian.PutUint32(buf[headerCrcOffset:], crc32.Checksum(buf[:headerCrcOffset], headerCrcTable))
}

// decodeHeader parses and validates the header prefix of a root page
func decodeHeader(buf []byte) (fileHeader, error) {
	if len(buf) < headerSize {
		return fileHeader{}, status.Corruption("file header is truncated")
	}
	if string(buf[headerMagicOffset:headerMagicOffset+len(Magic)]) != Magic {
		return fileHeader{}, status.InvalidArgument("not a CalicoDB data file")
	}
	stored := binary.LittleEndian.Uint32(buf[headerCrcOffset:])
	if crc32.Checksum(buf[:headerCrcOffset], headerCrcTable) != stored {
		return fileHeader{}, status.Corruption("file header checksum mismatch")
	}
	h := fileHeader{
		pageSize:    int(binary.LittleEndian.Uint16(buf[headerPageSizeOffset:])),
		pageCount:   binary.LittleEndian.Uint64(buf[headerPageCountOffset:]),
		freeHead:    page.Id(binary.LittleEndian.Uint64(buf[headerFreeHeadOffset:])),
		recordCount: binary.LittleEndian.Uint64(buf[headerRecordsOffset:]),
		commitLsn:   page.Lsn(binary.LittleEndian.Uint64(buf[headerCommitLsnOffset:])),
		root:        page.Id(binary.LittleEndian.Uint64(buf[headerRootOffset:])),
	}
	// 16-bit page size wraps at 65536; 32768 is the largest legal size
	if h.pageSize == 0 {
		return fileHeader{}, status.Corruption("file header has invalid page size")
	}
	if err := checkPageSize(h.pageSize); err != nil {
		return fileHeader{}, status.Corruption("file header has invalid page size %d", h.pageSize)
	}
	if h.pageCount == 0 || h.root.IsNull() {
		return fileHeader{}, status.Corruption("file header has impossible field values")
	}
	return h, nil
}

// checkPageSize validates a configured page size
func checkPageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return status.InvalidArgument("page size %d must be a power of two in [%d, %d]",
			size, MinPageSize, MaxPageSize)
	}
	return nil
}
