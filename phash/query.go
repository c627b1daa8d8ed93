package phash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// DB is a read handle onto a sealed phash file.
type DB struct {
	Header     *Header
	headerSize int64
	Stream     io.ReaderAt
}

var ErrInvalidMagic = errors.New("phash: invalid magic")

type fileDescriptor interface {
	Fd() uintptr
	Name() string
}

// Open reads the header and warms the bucket table from stream, which
// must start with Magic. When stream is backed by an *os.File, Open
// hints the kernel for random access and pre-faults every bucket
// offset into the page cache, since roshard lookups scan buckets in
// unpredictable order.
func Open(stream io.ReaderAt) (*DB, error) {
	if f, ok := stream.(fileDescriptor); ok {
		if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
			klog.Warningf("phash: fadvise(RANDOM) failed for %s: %v", f.Name(), err)
		}
	}

	var magicAndSize [8 + 4]byte
	n, readErr := stream.ReadAt(magicAndSize[:], 0)
	if n < len(magicAndSize) {
		return nil, readErr
	}
	if !bytes.Equal(magicAndSize[:8], Magic[:]) {
		return nil, ErrInvalidMagic
	}
	size := binary.LittleEndian.Uint32(magicAndSize[8:])
	headerBuf := make([]byte, 8+4+size)
	n, readErr = stream.ReadAt(headerBuf, 0)
	if n < len(headerBuf) {
		return nil, readErr
	}

	db := &DB{Header: new(Header)}
	if err := db.Header.Load(headerBuf); err != nil {
		return nil, err
	}
	db.headerSize = int64(len(headerBuf))
	db.Stream = stream

	if f, ok := stream.(fileDescriptor); ok {
		started := time.Now()
		dummy := make([]byte, 1)
		for i := range db.Header.NumBuckets {
			if _, err := db.Stream.ReadAt(dummy, bucketTableOffset(db.headerSize, uint(i))); err != nil {
				return nil, fmt.Errorf("phash: warm up bucket %d: %w", i, err)
			}
		}
		klog.V(4).Infof("phash: warmed %d buckets for %s in %s", db.Header.NumBuckets, f.Name(), time.Since(started))
	}
	return db, nil
}

func (db *DB) entryStride() uint8 {
	return uint8(HashSize) + uint8(db.Header.ValueSize)
}

// Lookup returns the value stored for key, or ErrNotFound.
func (db *DB) Lookup(key []byte) ([]byte, error) {
	bucket, err := db.LookupBucket(key)
	if err != nil {
		return nil, err
	}
	return bucket.Lookup(key)
}

// LookupBucket returns the bucket that would contain key.
func (db *DB) LookupBucket(key []byte) (*Bucket, error) {
	return db.GetBucket(db.Header.BucketHash(key))
}

// GetBucket returns a handle to the bucket at index i.
func (db *DB) GetBucket(i uint) (*Bucket, error) {
	if i >= uint(db.Header.NumBuckets) {
		return nil, fmt.Errorf("phash: bucket index %d out of bounds (%d buckets)", i, db.Header.NumBuckets)
	}
	bucket := &Bucket{
		BucketDescriptor: BucketDescriptor{
			Stride:      db.entryStride(),
			OffsetWidth: uint8(db.Header.ValueSize),
		},
	}
	bucket.BucketHeader.headerSize = db.headerSize

	var buf [bucketHdrLen]byte
	n, err := db.Stream.ReadAt(buf[:], bucketTableOffset(db.headerSize, i))
	if n < len(buf) {
		return nil, err
	}
	bucket.BucketHeader.Load(&buf)
	bucket.Entries = io.NewSectionReader(db.Stream, int64(bucket.FileOffset), int64(bucket.NumEntries)*int64(bucket.Stride))
	return bucket, nil
}

// Bucket is a handle onto one bucket's entry table.
type Bucket struct {
	BucketDescriptor
	Entries *io.SectionReader
}

// Load reads every entry in the bucket into memory.
func (b *Bucket) Load(batchSize int) ([]Entry, error) {
	if batchSize <= 0 {
		batchSize = 512
	}
	if b.NumEntries > maxEntriesPerBucket {
		return nil, fmt.Errorf("phash: refusing to load bucket with %d entries", b.NumEntries)
	}
	entries := make([]Entry, 0, b.NumEntries)
	stride := int(b.Stride)
	buf := make([]byte, batchSize*stride)
	off := int64(0)
	for {
		n, err := b.Entries.ReadAt(buf, off)
		sub := buf[:n]
		for len(sub) >= stride {
			entries = append(entries, b.unmarshalEntry(sub))
			sub = sub[stride:]
			off += int64(stride)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		} else if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Lookup performs a single bulk read of the bucket's entries followed
// by an in-memory Eytzinger binary search.
func (b *Bucket) Lookup(key []byte) ([]byte, error) {
	if b.NumEntries > maxEntriesPerBucket {
		return nil, fmt.Errorf("phash: refusing to load bucket with %d entries for lookup", b.NumEntries)
	}
	numBytes := int64(b.NumEntries) * int64(b.Stride)
	if numBytes == 0 {
		return nil, ErrNotFound
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = buf.B[:0]
	buf.B = append(buf.B, make([]byte, numBytes)...)

	n, err := io.ReadFull(b.Entries, buf.B[:numBytes])
	if int64(n) < numBytes {
		return nil, fmt.Errorf("phash: short read on bucket: read %d, expected %d: %w", n, numBytes, err)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("phash: read bucket entries: %w", err)
	}

	stride := int(b.Stride)
	getter := func(i int) (Entry, error) {
		off := i * stride
		if off+stride > len(buf.B) {
			return Entry{}, fmt.Errorf("phash: search index %d out of bounds", i)
		}
		return b.unmarshalEntry(buf.B[off : off+stride]), nil
	}

	return searchEytzinger(0, int(b.NumEntries), b.Hash(key), getter)
}

// ErrNotFound means the key is not present in the index.
var ErrNotFound = errors.New("phash: not found")

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func searchEytzinger(min, max int, target uint64, getter func(int) (Entry, error)) ([]byte, error) {
	index := 0
	for index < max {
		e, err := getter(index)
		if err != nil {
			return nil, err
		}
		if e.Hash == target {
			return e.Value, nil
		}
		index = index<<1 | 1
		if e.Hash < target {
			index++
		}
		if index < min {
			return nil, ErrNotFound
		}
	}
	return nil, ErrNotFound
}
