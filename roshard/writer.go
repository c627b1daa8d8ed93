package roshard

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wineryhq/winery/internal/objid"
	"github.com/wineryhq/winery/phash"
)

// Stats summarizes a completed Write.
type Stats struct {
	Objects int64
	Bytes   int64
}

// Meta is the shard-level information embedded in the file, mirroring
// the matching catalog.Shard row so the file stays interpretable
// detached from the catalog.
type Meta struct {
	ShardName   string
	CreatedAt   int64 // unix seconds
	ObjectCount int64 // not read by Write; buckets are sized from, and the file records, the count actually written
}

// Source streams every (key, content) pair in a shard exactly once, in
// any stable order. It is the abstraction roshard writes from; callers
// adapt their storage (rwshard.Shard.Iter, in tests a plain slice) to
// this shape.
type Source func(yield func(key objid.ID, content []byte) error) error

// Write builds a complete RO-shard file at path from src, in a single
// pass: payload frames are streamed straight to a temp file as they
// arrive, with only (key, offset) pairs held in memory, then the
// perfect-hash index is built over those pairs and the three regions
// are concatenated into the final file. Memory usage is bounded by the
// key set plus small buffers; the payload itself is streamed, never
// buffered whole.
func Write(ctx context.Context, path string, meta Meta, idWidth int, src Source) (Stats, error) {
	if idWidth <= 0 || idWidth > 255 {
		return Stats{}, fmt.Errorf("roshard: invalid idWidth %d", idWidth)
	}

	dir := filepath.Dir(path)
	payloadFile, err := os.CreateTemp(dir, ".roshard-payload-*")
	if err != nil {
		return Stats{}, fmt.Errorf("roshard: create payload temp file: %w", err)
	}
	defer os.Remove(payloadFile.Name())
	defer payloadFile.Close()

	type keyOffset struct {
		key    objid.ID
		offset uint64
	}
	var entries []keyOffset

	w := bufio.NewWriterSize(payloadFile, 1<<20)
	var offset uint64
	var stats Stats
	err = src(func(key objid.ID, content []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(key) != idWidth {
			return fmt.Errorf("roshard: key width %d, want %d", len(key), idWidth)
		}
		frameLen := uint64(idWidth) + payloadFrameOverhead + uint64(len(content))
		entries = append(entries, keyOffset{key: key, offset: offset})

		if _, err := w.Write(key); err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(content)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(content); err != nil {
			return err
		}

		offset += frameLen
		stats.Objects++
		stats.Bytes += int64(len(content))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("roshard: stream payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return Stats{}, fmt.Errorf("roshard: flush payload: %w", err)
	}

	if stats.Objects == 0 {
		return Stats{}, fmt.Errorf("roshard: refusing to build an empty shard file")
	}

	builder, err := phash.NewBuilder("", uint(stats.Objects), 8)
	if err != nil {
		return Stats{}, fmt.Errorf("roshard: new builder: %w", err)
	}
	if err := builder.Header.Metadata.Add(phash.MetaKeyShardName, []byte(meta.ShardName)); err != nil {
		return Stats{}, err
	}
	var countBuf, tsBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(stats.Objects))
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(meta.CreatedAt))
	if err := builder.Header.Metadata.Add(phash.MetaKeyObjCount, countBuf[:]); err != nil {
		return Stats{}, err
	}
	if err := builder.Header.Metadata.Add(phash.MetaKeyCreatedAt, tsBuf[:]); err != nil {
		return Stats{}, err
	}

	for _, e := range entries {
		var valBuf [8]byte
		binary.LittleEndian.PutUint64(valBuf[:], e.offset)
		if err := builder.Insert(e.key, valBuf[:]); err != nil {
			return Stats{}, fmt.Errorf("roshard: insert into index: %w", err)
		}
	}

	indexFile, err := os.CreateTemp(dir, ".roshard-index-*")
	if err != nil {
		return Stats{}, fmt.Errorf("roshard: create index temp file: %w", err)
	}
	defer os.Remove(indexFile.Name())
	defer indexFile.Close()

	if err := builder.SealAndClose(ctx, indexFile); err != nil {
		return Stats{}, fmt.Errorf("roshard: seal index: %w", err)
	}
	indexInfo, err := indexFile.Stat()
	if err != nil {
		return Stats{}, err
	}
	payloadInfo, err := payloadFile.Stat()
	if err != nil {
		return Stats{}, err
	}

	out, err := os.CreateTemp(dir, ".roshard-out-*")
	if err != nil {
		return Stats{}, fmt.Errorf("roshard: create output file: %w", err)
	}
	defer out.Close()
	defer os.Remove(out.Name())

	hdr := fileHeader{
		idWidth:       uint8(idWidth),
		indexLength:   uint64(indexInfo.Size()),
		payloadLength: uint64(payloadInfo.Size()),
	}
	if _, err := out.Write(hdr.bytes()); err != nil {
		return Stats{}, fmt.Errorf("roshard: write header: %w", err)
	}
	if _, err := indexFile.Seek(0, io.SeekStart); err != nil {
		return Stats{}, err
	}
	if _, err := io.Copy(out, indexFile); err != nil {
		return Stats{}, fmt.Errorf("roshard: copy index: %w", err)
	}
	if _, err := payloadFile.Seek(0, io.SeekStart); err != nil {
		return Stats{}, err
	}
	if _, err := io.Copy(out, payloadFile); err != nil {
		return Stats{}, fmt.Errorf("roshard: copy payload: %w", err)
	}

	if err := out.Sync(); err != nil {
		return Stats{}, fmt.Errorf("roshard: sync output: %w", err)
	}
	if err := out.Close(); err != nil {
		return Stats{}, fmt.Errorf("roshard: close output: %w", err)
	}
	if err := os.Rename(out.Name(), path); err != nil {
		return Stats{}, fmt.Errorf("roshard: rename into place: %w", err)
	}
	return stats, nil
}
