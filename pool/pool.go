// Package pool defines the abstract shard storage pool that RO-shard
// files live on: one interface, two drivers: pool/directory (plain
// files) and pool/rbd (Ceph RBD block images via the rbd CLI).
package pool

import (
	"context"
	"io"

	"github.com/wineryhq/winery/wineryerrors"
)

// Writer is a handle to a shard file being written. Finalize makes it
// observable read-only under its final name; no writes are permitted
// after Finalize succeeds, and a Writer that is never finalized must
// not leave a partially-written file visible under the shard's name.
type Writer interface {
	io.WriterAt
	Finalize(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Reader is a read-only handle to a finalized shard file.
type Reader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Pool is the abstract shard storage backend. size is only meaningful
// for fixed-capacity backends (block devices); directory backends
// ignore it.
type Pool interface {
	Create(ctx context.Context, name string, size int64) (Writer, error)
	OpenRO(ctx context.Context, name string) (Reader, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	// HostMapped reports whether name's read-only image is mapped on
	// this host. Block pools answer based on local device state;
	// directory pools return true whenever the file exists (every host
	// sees the same filesystem).
	HostMapped(ctx context.Context, name string) (bool, error)
}

// ErrNotFound is returned by OpenRO and Delete for an unknown name.
const ErrNotFound = wineryerrors.NotFound

// Reservable is an optional capability: pools that allocate storage
// ahead of use (pool/rbd, where image creation has real latency)
// implement it so the pool manager can provision a shard's backing
// image before the packer needs it. Pools that allocate lazily
// (pool/directory) don't implement it; callers type-assert for it.
type Reservable interface {
	Reserve(ctx context.Context, name string, size int64) error
}
