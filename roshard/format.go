// Package roshard implements the RO-shard file format: an immutable,
// self-contained container with three logical regions: a small
// header, a phash perfect-hash index over the object ids, and a
// payload region of length-prefixed, key-verified blobs.
package roshard

import (
	"encoding/binary"
	"fmt"
)

// magic identifies a roshard file, distinct from the phash.Magic that
// appears immediately after it (the index region is an embedded,
// otherwise-unmodified phash file).
var magic = [8]byte{'w', 'n', 'r', 'y', 'r', 'o', 's', '1'}

const formatVersion = uint8(1)

// headerLen is the fixed on-disk size of fileHeader.
const headerLen = 8 + 1 + 1 + 8 + 8

// fileHeader precedes the embedded phash index. It exists so a reader
// can locate the payload region without reimplementing phash's
// internal bucket-table layout math: indexLength is exactly the byte
// size of the embedded phash file, so payload starts right after it.
type fileHeader struct {
	idWidth       uint8
	indexLength   uint64
	payloadLength uint64
}

func (h fileHeader) bytes() []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:8], magic[:])
	buf[8] = formatVersion
	buf[9] = h.idWidth
	binary.LittleEndian.PutUint64(buf[10:18], h.indexLength)
	binary.LittleEndian.PutUint64(buf[18:26], h.payloadLength)
	return buf
}

func parseFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < headerLen {
		return h, fmt.Errorf("roshard: header too short")
	}
	if string(buf[0:8]) != string(magic[:]) {
		return h, fmt.Errorf("roshard: bad magic")
	}
	if buf[8] != formatVersion {
		return h, fmt.Errorf("roshard: unsupported version %d", buf[8])
	}
	h.idWidth = buf[9]
	h.indexLength = binary.LittleEndian.Uint64(buf[10:18])
	h.payloadLength = binary.LittleEndian.Uint64(buf[18:26])
	return h, nil
}

func (h fileHeader) payloadOffset() int64 {
	return int64(headerLen) + int64(h.indexLength)
}

// payload frame: [key: idWidth bytes][blobLen uint32 LE][blob]
const payloadFrameOverhead = 4 // blobLen field; idWidth is variable, added by caller
