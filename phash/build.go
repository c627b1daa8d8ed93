package phash

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"syscall"

	"github.com/wineryhq/winery/internal/stepseq"
)

// Builder accumulates key-value pairs and seals them into a phash file.
type Builder struct {
	Header     Header
	tmpDir     string
	headerSize int64
	closers    []io.Closer
	buckets    []tempBucket
}

// NewBuilder creates a builder for an index expected to hold numItems
// entries, each with a value of valueSizeBytes bytes.
//
// If numItems is inaccurate, mining either produces unusually full
// buckets (slower builds) or unusually empty ones (wasted space); it
// does not affect correctness. If tmpDir is empty, a temp dir is
// created and removed on SealAndClose.
func NewBuilder(tmpDir string, numItems uint, valueSizeBytes uint) (*Builder, error) {
	if tmpDir == "" {
		var err error
		tmpDir, err = os.MkdirTemp("", "phash-build-")
		if err != nil {
			return nil, fmt.Errorf("phash: create temp dir: %w", err)
		}
	}
	if valueSizeBytes == 0 || valueSizeBytes > 255 {
		return nil, fmt.Errorf("phash: valueSizeBytes must be in (0, 255]")
	}
	if numItems == 0 {
		return nil, fmt.Errorf("phash: numItems must be > 0")
	}

	numBuckets := (numItems + targetEntriesPerBucket - 1) / targetEntriesPerBucket
	buckets := make([]tempBucket, numBuckets)
	closers := make([]io.Closer, 0, numBuckets)
	for i := range buckets {
		name := filepath.Join(tmpDir, fmt.Sprintf("bucket-%d", i))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o666)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		closers = append(closers, f)
		buckets[i].kv = newFileKV(f, valueSizeBytes)
		buckets[i].valueSize = valueSizeBytes
	}

	return &Builder{
		Header: Header{
			ValueSize:  uint64(valueSizeBytes),
			NumBuckets: uint32(numBuckets),
			Metadata:   &Metadata{},
		},
		closers: closers,
		buckets: buckets,
		tmpDir:  tmpDir,
	}, nil
}

// Insert records a key-value mapping. Index generation fails if the
// same key is inserted twice within a bucket.
func (b *Builder) Insert(key, value []byte) error {
	return b.buckets[b.Header.BucketHash(key)].writeTuple(key, value)
}

// SealAndClose mines each bucket's perfect hash, writes the finished
// index to file, and releases build-time scratch resources. file must
// be opened O_RDWR and empty. This is CPU-bound; pass a ctx with a
// deadline to bound mining time.
func (b *Builder) SealAndClose(ctx context.Context, file *os.File) error {
	headerBuf := b.Header.Bytes()
	n, err := file.Write(headerBuf)
	if err != nil {
		return fmt.Errorf("phash: write header: %w", err)
	}
	if n != len(headerBuf) {
		return fmt.Errorf("phash: short header write: %d of %d", n, len(headerBuf))
	}
	b.headerSize = int64(len(headerBuf))

	bucketTableLen := int64(b.Header.NumBuckets) * bucketHdrLen
	if err := fallocate(file, b.headerSize, bucketTableLen); errors.Is(err, syscall.EOPNOTSUPP) {
		if err := fakeFallocate(file, b.headerSize, bucketTableLen); err != nil {
			return fmt.Errorf("phash: fake-fallocate bucket table: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("phash: fallocate bucket table: %w", err)
	}

	for i := range b.buckets {
		if err := b.sealBucket(ctx, i, file); err != nil {
			return fmt.Errorf("phash: seal bucket %d: %w", i, err)
		}
	}

	return stepseq.New().
		Then("sync", file.Sync).
		Then("close", b.close).
		Err()
}

func (b *Builder) sealBucket(ctx context.Context, i int, f *os.File) error {
	bucket := &b.buckets[i]
	const mineAttempts uint32 = 1000
	entries, domain, err := bucket.mine(ctx, mineAttempts)
	if err != nil {
		return fmt.Errorf("mine: %w", err)
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek to EOF: %w", err)
	}

	desc := BucketDescriptor{
		BucketHeader: BucketHeader{
			HashDomain: domain,
			NumEntries: uint32(bucket.records),
			HashLen:    HashSize,
			FileOffset: uint64(offset),
			headerSize: b.headerSize,
		},
		Stride:      b.entryStride(),
		OffsetWidth: uint8(b.Header.ValueSize),
	}

	wr := bufio.NewWriter(f)
	entryBuf := make([]byte, desc.Stride)
	for _, entry := range entries {
		desc.marshalEntry(entryBuf, entry)
		if _, err := wr.Write(entryBuf); err != nil {
			return fmt.Errorf("write entries: %w", err)
		}
	}
	if err := wr.Flush(); err != nil {
		return fmt.Errorf("flush entries: %w", err)
	}

	var hdrBuf [bucketHdrLen]byte
	desc.BucketHeader.Store(&hdrBuf)
	if _, err := f.WriteAt(hdrBuf[:], bucketTableOffset(b.headerSize, uint(i))); err != nil {
		return fmt.Errorf("write bucket header: %w", err)
	}
	return nil
}

func (b *Builder) entryStride() uint8 {
	return uint8(HashSize) + uint8(b.Header.ValueSize)
}

func (b *Builder) close() error {
	for _, c := range b.closers {
		c.Close()
	}
	return os.RemoveAll(b.tmpDir)
}

func bucketTableOffset(headerSize int64, i uint) int64 {
	return headerSize + int64(i)*bucketHdrLen
}

// kvRW buffers a bucket's unsorted (key, value) tuples to disk during
// the build and replays them once, at mine time.
type kvRW interface {
	writeTuple(key, value []byte) error
	readAll() ([]keyval, error)
}

type keyval struct {
	key, value []byte
}

func newkv(k, v []byte) keyval {
	return keyval{key: cloneBytes(k), value: cloneBytes(v)}
}

type fileKV struct {
	valueSize uint
	file      *os.File
	writer    *bufio.Writer
}

func newFileKV(file *os.File, valueSize uint) *fileKV {
	return &fileKV{valueSize: valueSize, file: file, writer: bufio.NewWriterSize(file, 8*1024)}
}

func (b *fileKV) writeTuple(key, value []byte) error {
	static := make([]byte, 2+b.valueSize)
	binary.LittleEndian.PutUint16(static[0:2], uint16(len(key)))
	copy(static[2:], value)
	if _, err := b.writer.Write(static); err != nil {
		return err
	}
	_, err := b.writer.Write(key)
	return err
}

func (b *fileKV) readAll() ([]keyval, error) {
	if err := b.writer.Flush(); err != nil {
		return nil, err
	}
	b.writer = nil
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var kv []keyval
	reader := bufio.NewReader(b.file)
	static := make([]byte, 2+b.valueSize)
	for {
		if _, err := io.ReadFull(reader, static); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		keyLen := binary.LittleEndian.Uint16(static[0:2])
		value := make([]byte, b.valueSize)
		copy(value, static[2:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(reader, key); err != nil {
			return nil, err
		}
		kv = append(kv, newkv(key, value))
	}
	return kv, nil
}

// tempBucket is the build-time scratch state for one bucket.
type tempBucket struct {
	records   uint
	valueSize uint
	kv        kvRW
}

func (b *tempBucket) writeTuple(key, value []byte) error {
	b.records++
	return b.kv.writeTuple(key, value)
}

// mine brute-forces a hash domain nonce that makes this bucket's
// truncated entry hashes pairwise distinct, then returns them sorted
// (Eytzinger layout) for binary search at query time.
func (b *tempBucket) mine(ctx context.Context, attempts uint32) (entries []Entry, domain uint32, err error) {
	kv, err := b.kv.readAll()
	if err != nil {
		return nil, 0, fmt.Errorf("read scratch entries: %w", err)
	}
	kv = dedupKeepNewest(kv)
	b.records = uint(len(kv))

	entries = make([]Entry, b.records)
	bitmap := make([]byte, 1<<21)

	for domain = 0; domain < attempts; domain++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		for i := range bitmap {
			bitmap[i] = 0
		}
		if hashErr := hashBucket(kv, entries, bitmap, domain); errors.Is(hashErr, ErrCollision) {
			continue
		} else if hashErr != nil {
			return nil, 0, hashErr
		}
		return entries, domain, nil
	}
	return nil, domain, ErrCollision
}

func dedupKeepNewest(kv []keyval) []keyval {
	slices.Reverse(kv)
	return slices.CompactFunc(kv, func(i, j keyval) bool {
		return bytes.Equal(i.key, j.key)
	})
}

// ErrCollision means no hash domain within the attempt budget produced
// a collision-free bucket; the caller may retry with more attempts or
// smaller buckets (more of them).
var ErrCollision = errors.New("phash: hash collision")

func hashBucket(kv []keyval, entries []Entry, bitmap []byte, nonce uint32) error {
	const mask = uint64(0xffffff) // 24 bits, matches the 2^24-wide bitmap

	for i := range entries {
		hash := EntryHash64(nonce, kv[i].key) & mask
		bi, bj := hash/8, hash%8
		chunk := bitmap[bi]
		if (chunk>>bj)&1 == 1 {
			return ErrCollision
		}
		bitmap[bi] = chunk | (1 << bj)
		entries[i] = Entry{Hash: hash, Value: kv[i].value}
	}

	sortWithCompare(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })
	return nil
}

func sortWithCompare[T any](a []T, less func(i, j int) bool) {
	sort.Slice(a, less)
	sorted := make([]T, len(a))
	eytzinger(a, sorted, 0, 1)
	copy(a, sorted)
}

// eytzinger reorders a sorted slice into level-order (BFS) layout, so a
// linear index scan during binary search visits consecutive cache
// lines instead of jumping across the whole array.
func eytzinger[T any](in, out []T, i, k int) int {
	if k <= len(in) {
		i = eytzinger(in, out, i, 2*k)
		out[k-1] = in[i]
		i++
		i = eytzinger(in, out, i, 2*k+1)
	}
	return i
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
