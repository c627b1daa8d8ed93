// Package phash is an immutable hashtable index format inspired by djb's
// constant database (cdb) and the FKS dynamic perfect hash scheme.
//
// # Design
//
// Instead of storing actual keys, the format stores an FKS perfect hash
// per bucket. Instead of storing values directly, it stores fixed-width
// values (an 8-byte payload offset, in winery's RO-shard usage) alongside a
// short prefix of the key's hash, so lookup is two bounded reads: one
// for the bucket header, one (binary search, Eytzinger order) for the
// matching entry.
//
// The set of keys is split into buckets of ~10,000 records; the
// key-to-bucket assignment uses xxHash64 uniform discrete hashing. Each
// bucket's entry table is collision-free by construction: at build time
// a per-bucket "hash domain" nonce is brute-forced until the resulting
// 24-bit truncated hashes of that bucket's keys are pairwise distinct.
//
// Package roshard wraps this engine with the (key, blob) payload region
// that makes it a complete RO-shard file.
package phash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Magic are the first eight bytes of a phash file.
var Magic = [8]byte{'w', 'n', 'r', 'y', 'p', 'h', 's', '1'}

const Version = uint8(1)

// HashSize is the width, in bytes, of the truncated per-bucket hash
// stored alongside each entry.
const HashSize = 3

// targetEntriesPerBucket is the average number of records aimed for in
// each bucket.
const targetEntriesPerBucket = 10000

// maxEntriesPerBucket bounds an in-memory bucket load.
const maxEntriesPerBucket = 1 << 24

// Header occurs once at the beginning of a phash file.
type Header struct {
	ValueSize  uint64
	NumBuckets uint32
	Metadata   *Metadata
}

// Load parses the header from buf, which must start with Magic.
func (h *Header) Load(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("phash: header too short")
	}
	if !bytes.Equal(buf[:8], Magic[:]) {
		return fmt.Errorf("phash: not a phash file (bad magic)")
	}
	lenWithoutMagicAndLen := binary.LittleEndian.Uint32(buf[8:12])
	if lenWithoutMagicAndLen < 13 || int(lenWithoutMagicAndLen) > len(buf)-12 {
		return fmt.Errorf("phash: invalid header length")
	}
	rest := buf[12:]
	*h = Header{
		ValueSize:  binary.LittleEndian.Uint64(rest[0:8]),
		NumBuckets: binary.LittleEndian.Uint32(rest[8:12]),
		Metadata:   new(Metadata),
	}
	if rest[12] != Version {
		return fmt.Errorf("phash: unsupported version: want %d, got %d", Version, rest[12])
	}
	if err := h.Metadata.UnmarshalBinary(rest[13:]); err != nil {
		return fmt.Errorf("phash: failed to unmarshal metadata: %w", err)
	}
	if h.ValueSize == 0 {
		return fmt.Errorf("phash: value size not set")
	}
	if h.NumBuckets == 0 {
		return fmt.Errorf("phash: number of buckets not set")
	}
	return nil
}

// Bytes serializes the header, prefixed with Magic and a length field.
func (h *Header) Bytes() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, h.ValueSize)
	binary.Write(&body, binary.LittleEndian, h.NumBuckets)
	body.WriteByte(Version)
	if h.Metadata == nil {
		h.Metadata = new(Metadata)
	}
	body.Write(h.Metadata.Bytes())

	final := new(bytes.Buffer)
	final.Write(Magic[:])
	binary.Write(final, binary.LittleEndian, uint32(body.Len()))
	final.Write(body.Bytes())
	return final.Bytes()
}

// BucketHash returns the bucket index for key, using a truncated
// xxHash64 rotated until the result fits the bucket count.
func (h *Header) BucketHash(key []byte) uint {
	u := xxhash.Sum64(key)
	n := uint64(h.NumBuckets)
	r := (-n) % n
	for u < r {
		u = hashUint64(u)
	}
	return uint(u % n)
}

// hashUint64 is a reversible uint64 permutation (Murmur3 finalizer).
func hashUint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// bucketHdrLen is the on-disk size of a BucketHeader record.
const bucketHdrLen = 16

// BucketHeader occurs at the beginning of each bucket's entry table.
type BucketHeader struct {
	HashDomain uint32
	NumEntries uint32
	HashLen    uint8
	FileOffset uint64

	headerSize int64
}

func (b *BucketHeader) Store(buf *[bucketHdrLen]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], b.HashDomain)
	binary.LittleEndian.PutUint32(buf[4:8], b.NumEntries)
	buf[8] = b.HashLen
	buf[9] = 0
	putUintLe(buf[10:16], b.FileOffset)
}

func (b *BucketHeader) Load(buf *[bucketHdrLen]byte) {
	b.HashDomain = binary.LittleEndian.Uint32(buf[0:4])
	b.NumEntries = binary.LittleEndian.Uint32(buf[4:8])
	b.HashLen = buf[8]
	b.FileOffset = uintLe(buf[10:16])
}

// Hash returns the per-bucket hash of key, masked to HashLen bytes.
func (b *BucketHeader) Hash(key []byte) uint64 {
	return EntryHash64(b.HashDomain, key) & (^uint64(0) >> (64 - b.HashLen*8))
}

// BucketDescriptor adds the on-disk entry layout to a bucket header.
type BucketDescriptor struct {
	BucketHeader
	Stride      uint8 // size of one entry in bytes
	OffsetWidth uint8 // width of the value field
}

func (b *BucketDescriptor) unmarshalEntry(buf []byte) (e Entry) {
	e.Hash = uintLe(buf[0:b.HashLen])
	e.Value = make([]byte, b.OffsetWidth)
	copy(e.Value, buf[b.HashLen:int(b.HashLen)+int(b.OffsetWidth)])
	return
}

func (b *BucketDescriptor) marshalEntry(buf []byte, e Entry) {
	if len(buf) < int(b.Stride) {
		panic("phash: marshalEntry: buf too small")
	}
	putUintLe(buf[0:b.HashLen], e.Hash)
	copy(buf[b.HashLen:int(b.HashLen)+int(b.OffsetWidth)], e.Value)
}

// Entry is a single (truncated-hash, value) record within a bucket.
type Entry struct {
	Hash  uint64
	Value []byte
}

// EntryHash64 is an xxHash-based hash function parameterized by an
// arbitrary 32-bit domain nonce, used both to assign entries to slots
// and to mine a collision-free domain per bucket.
func EntryHash64(domain uint32, key []byte) uint64 {
	const blockSize = 32
	var prefixBlock [blockSize]byte
	binary.LittleEndian.PutUint32(prefixBlock[:4], domain)

	var digest xxhash.Digest
	digest.Reset()
	digest.Write(prefixBlock[:])
	digest.Write(key)
	return digest.Sum64()
}

// SearchSortedEntries performs an in-memory binary search for hash.
func SearchSortedEntries(entries []Entry, hash uint64) *Entry {
	i, found := sort.Find(len(entries), func(i int) int {
		other := entries[i].Hash
		return int(hash) - int(other)
	})
	if !found || i >= len(entries) || entries[i].Hash != hash {
		return nil
	}
	return &entries[i]
}

func uintLe(buf []byte) uint64 {
	var full [8]byte
	copy(full[:], buf)
	return binary.LittleEndian.Uint64(full[:])
}

func putUintLe(buf []byte, x uint64) {
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], x)
	copy(buf, full[:])
}
