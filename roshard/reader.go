package roshard

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/phash"
	"github.com/wineryhq/winery/wineryerrors"
)

// Reader is an open, immutable RO-shard file. No write path exists
// once a Reader is constructed; Close releases the underlying handle
// only.
type Reader struct {
	closer  io.Closer
	header  fileHeader
	index   *phash.DB
	payload *io.SectionReader
}

// sectionFD adapts an io.SectionReader back to the Fd()/Name() shape
// phash.Open looks for, so the embedded index still gets the
// random-access fadvise hint and bucket-table warmup even though it
// doesn't start at offset 0 of the underlying file.
type sectionFD struct {
	*io.SectionReader
	fd   uintptr
	name string
}

func (s sectionFD) Fd() uintptr  { return s.fd }
func (s sectionFD) Name() string { return s.name }

// Open loads the header and perfect-hash index from the file at path.
// The payload region is read lazily, per lookup.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roshard: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := OpenAt(f, f, info.Size(), path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// OpenAt loads the header and perfect-hash index from ra, which is
// size bytes long and closed via closer on Close. This is the entry
// point for readers not backed by a plain local file path, e.g. a
// pool.Reader onto a mapped block device. name is used only for
// logging when ra happens to also be an *os.File.
func OpenAt(ra io.ReaderAt, closer io.Closer, size int64, name string) (*Reader, error) {
	var hdrBuf [headerLen]byte
	if _, err := ra.ReadAt(hdrBuf[:], 0); err != nil {
		return nil, fmt.Errorf("roshard: read header: %w", err)
	}
	hdr, err := parseFileHeader(hdrBuf[:])
	if err != nil {
		return nil, err
	}

	indexSection := io.NewSectionReader(ra, headerLen, int64(hdr.indexLength))
	var index *phash.DB
	if f, ok := ra.(*os.File); ok {
		index, err = phash.Open(sectionFD{SectionReader: indexSection, fd: f.Fd(), name: name})
	} else {
		index, err = phash.Open(indexSection)
	}
	if err != nil {
		return nil, fmt.Errorf("roshard: open index: %w", err)
	}

	payload := io.NewSectionReader(ra, hdr.payloadOffset(), int64(hdr.payloadLength))

	return &Reader{closer: closer, header: hdr, index: index, payload: payload}, nil
}

func (r *Reader) Close() error {
	return r.closer.Close()
}

// ShardName returns the shard name embedded at build time.
func (r *Reader) ShardName() string {
	return string(r.index.Header.Metadata.GetFirst(phash.MetaKeyShardName))
}

// ObjectCount returns the object count embedded at build time.
func (r *Reader) ObjectCount() int64 {
	v := r.index.Header.Metadata.GetFirst(phash.MetaKeyObjCount)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(v))
}

// CreatedAt returns the unix-seconds timestamp embedded at build time.
func (r *Reader) CreatedAt() int64 {
	v := r.index.Header.Metadata.GetFirst(phash.MetaKeyCreatedAt)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(v))
}

// Get computes key's slot via the perfect-hash index, verifies the
// stored key matches (guarding against the index's total-function
// behavior on keys outside the built set), and returns the blob.
// Unknown keys return wineryerrors.NotFound.
func (r *Reader) Get(key objid.ID) ([]byte, error) {
	if len(key) != int(r.header.idWidth) {
		return nil, wineryerrors.NotFound
	}
	val, err := r.index.Lookup(key)
	if err != nil {
		if phash.IsNotFound(err) {
			return nil, wineryerrors.NotFound
		}
		return nil, fmt.Errorf("roshard: index lookup: %w", err)
	}
	if len(val) != 8 {
		return nil, fmt.Errorf("roshard: corrupt index value width %d", len(val))
	}
	offset := int64(binary.LittleEndian.Uint64(val))

	storedKey := make([]byte, r.header.idWidth)
	if _, err := r.payload.ReadAt(storedKey, offset); err != nil {
		return nil, fmt.Errorf("roshard: read payload key: %w", err)
	}
	if !bytes.Equal(storedKey, key) {
		// The perfect hash is total: every input maps to some slot, even
		// keys outside the built set. This is the collision guard.
		return nil, wineryerrors.NotFound
	}

	var lenBuf [4]byte
	if _, err := r.payload.ReadAt(lenBuf[:], offset+int64(r.header.idWidth)); err != nil {
		return nil, fmt.Errorf("roshard: read payload length: %w", err)
	}
	blobLen := binary.LittleEndian.Uint32(lenBuf[:])

	blob := make([]byte, blobLen)
	blobOffset := offset + int64(r.header.idWidth) + payloadFrameOverhead
	if blobLen > 0 {
		if _, err := r.payload.ReadAt(blob, blobOffset); err != nil {
			return nil, fmt.Errorf("roshard: read payload blob: %w", err)
		}
	}
	return blob, nil
}

// Contains reports whether key is present. It goes through Get, so the
// blob is read as well.
func (r *Reader) Contains(key objid.ID) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, wineryerrors.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// Entry is one (key, content) pair yielded by Iter.
type Entry struct {
	Key     objid.ID
	Content []byte
}

// Iter streams every (key, content) pair in the payload region, in
// build order, for mirroring tooling.
func (r *Reader) Iter(fn func(Entry) error) error {
	idWidth := int64(r.header.idWidth)
	var offset int64
	for offset < int64(r.header.payloadLength) {
		keyBuf := make([]byte, idWidth)
		if _, err := r.payload.ReadAt(keyBuf, offset); err != nil {
			return fmt.Errorf("roshard: iter: read key: %w", err)
		}
		var lenBuf [4]byte
		if _, err := r.payload.ReadAt(lenBuf[:], offset+idWidth); err != nil {
			return fmt.Errorf("roshard: iter: read length: %w", err)
		}
		blobLen := binary.LittleEndian.Uint32(lenBuf[:])
		blob := make([]byte, blobLen)
		blobOffset := offset + idWidth + payloadFrameOverhead
		if blobLen > 0 {
			if _, err := r.payload.ReadAt(blob, blobOffset); err != nil {
				return fmt.Errorf("roshard: iter: read blob: %w", err)
			}
		}
		if err := fn(Entry{Key: objid.ID(keyBuf), Content: blob}); err != nil {
			return err
		}
		offset = blobOffset + int64(blobLen)
	}
	return nil
}
