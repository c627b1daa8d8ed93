// Package directory implements pool.Pool over a plain directory tree:
// {base}/{poolName}/{shardName}. It is the reference driver used by
// single-host deployments and tests; production multi-host pools use
// pool/rbd instead.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wineryhq/winery/pool"
	"github.com/wineryhq/winery/wineryerrors"
)

type Pool struct {
	dir string
}

// Open returns a directory-backed pool rooted at base/poolName,
// creating it if it does not exist.
func Open(base, poolName string) (*Pool, error) {
	dir := filepath.Join(base, poolName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pool/directory: mkdir %s: %w", dir, err)
	}
	return &Pool{dir: dir}, nil
}

func (p *Pool) path(name string) string {
	return filepath.Join(p.dir, name)
}

// Create opens name for writing via a staged temp file in the same
// directory, so a crash before Finalize leaves no file visible under
// name.
func (p *Pool) Create(ctx context.Context, name string, size int64) (pool.Writer, error) {
	f, err := os.CreateTemp(p.dir, "."+name+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("pool/directory: create %s: %w", name, err)
	}
	return &writer{file: f, finalName: p.path(name)}, nil
}

func (p *Pool) OpenRO(ctx context.Context, name string) (pool.Reader, error) {
	f, err := os.Open(p.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wineryerrors.NotFound
		}
		return nil, fmt.Errorf("pool/directory: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &reader{file: f, size: info.Size()}, nil
}

func (p *Pool) Delete(ctx context.Context, name string) error {
	if err := os.Remove(p.path(name)); err != nil {
		if os.IsNotExist(err) {
			return wineryerrors.NotFound
		}
		return fmt.Errorf("pool/directory: delete %s: %w", name, err)
	}
	return nil
}

func (p *Pool) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("pool/directory: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// HostMapped returns true whenever a file exists under name: a directory
// pool is typically a shared filesystem mount, visible identically on
// every host. It returns false when no such file exists.
func (p *Pool) HostMapped(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(p.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type writer struct {
	file      *os.File
	finalName string
	done      bool
}

func (w *writer) WriteAt(p []byte, off int64) (int, error) {
	return w.file.WriteAt(p, off)
}

// Finalize syncs and atomically renames the staged file into place,
// making it visible read-only under its final name.
func (w *writer) Finalize(ctx context.Context) error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("pool/directory: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("pool/directory: close: %w", err)
	}
	if err := os.Chmod(w.file.Name(), 0o444); err != nil {
		return fmt.Errorf("pool/directory: chmod: %w", err)
	}
	if err := os.Rename(w.file.Name(), w.finalName); err != nil {
		return fmt.Errorf("pool/directory: rename into place: %w", err)
	}
	w.done = true
	return nil
}

// Abort discards the staged file without ever exposing it under its
// final name.
func (w *writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	name := w.file.Name()
	w.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pool/directory: abort cleanup: %w", err)
	}
	return nil
}

type reader struct {
	file *os.File
	size int64
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) { return r.file.ReadAt(p, off) }
func (r *reader) Close() error                            { return r.file.Close() }
func (r *reader) Size() int64                             { return r.size }
