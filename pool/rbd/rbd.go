// Package rbd implements pool.Pool over Ceph RBD block images, by
// shelling out to the rbd CLI rather than linking librbd. There is no
// pure-Go RBD client, and every invocation goes through
// exec.CommandContext so pool operations honor the caller's deadline.
// This driver covers only what the pool interface exercises:
// create/map/unmap/remove/list; image resize, snapshots, and clone are
// out of scope.
package rbd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/wineryhq/winery/pool"
	"github.com/wineryhq/winery/wineryerrors"
)

// Config mirrors config.ShardsPoolConfig's rbd fields.
type Config struct {
	PoolName                 string
	DataPoolName             string
	UseSudo                  bool
	MapOptions               string
	ImageFeaturesUnsupported []string
}

type Pool struct {
	cfg Config
}

func Open(cfg Config) (*Pool, error) {
	if cfg.PoolName == "" {
		return nil, fmt.Errorf("pool/rbd: pool_name must be set")
	}
	return &Pool{cfg: cfg}, nil
}

func (p *Pool) imagePath(name string) string {
	return p.cfg.PoolName + "/" + name
}

func (p *Pool) run(ctx context.Context, args ...string) (string, error) {
	bin := "rbd"
	if p.cfg.UseSudo {
		args = append([]string{bin}, args...)
		bin = "sudo"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pool/rbd: %s %s: %w: %s", bin, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// Create provisions a new RBD image of size bytes and maps it
// read-write for the caller to stream the RO-shard file into. If the
// image already exists (e.g. the pool manager reserved it ahead of
// time), creation is skipped and the existing image is mapped.
func (p *Pool) Create(ctx context.Context, name string, size int64) (pool.Writer, error) {
	exists, err := p.imageExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := p.Reserve(ctx, name, size); err != nil {
			return nil, err
		}
	}

	device, err := p.mapDevice(ctx, name, false)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		p.unmapDevice(ctx, device)
		return nil, fmt.Errorf("pool/rbd: open mapped device %s: %w", device, err)
	}
	return &writer{pool: p, name: name, device: device, file: f}, nil
}

// Reserve provisions name's backing image ahead of use, without
// mapping it, so a later Create by the packer skips image-creation
// latency. It is a no-op if the image already exists.
func (p *Pool) Reserve(ctx context.Context, name string, size int64) error {
	exists, err := p.imageExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	sizeMiB := (size + (1 << 20) - 1) >> 20
	if sizeMiB <= 0 {
		sizeMiB = 1
	}
	args := []string{"create", "--size", strconv.FormatInt(sizeMiB, 10), p.imagePath(name)}
	if p.cfg.DataPoolName != "" {
		args = append(args, "--data-pool", p.cfg.DataPoolName)
	}
	for _, f := range p.cfg.ImageFeaturesUnsupported {
		args = append(args, "--image-feature-unsupported", f)
	}
	_, err = p.run(ctx, args...)
	return err
}

// OpenRO maps name read-only and returns a handle onto the device.
func (p *Pool) OpenRO(ctx context.Context, name string) (pool.Reader, error) {
	exists, err := p.imageExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, wineryerrors.NotFound
	}
	device, err := p.mapDevice(ctx, name, true)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(device)
	if err != nil {
		p.unmapDevice(ctx, device)
		return nil, fmt.Errorf("pool/rbd: open mapped device %s: %w", device, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		p.unmapDevice(ctx, device)
		return nil, err
	}
	return &reader{pool: p, device: device, file: f, size: info.Size()}, nil
}

func (p *Pool) Delete(ctx context.Context, name string) error {
	_, err := p.run(ctx, "rm", p.imagePath(name))
	if err != nil {
		if strings.Contains(err.Error(), "No such file or directory") {
			return wineryerrors.NotFound
		}
		return err
	}
	return nil
}

func (p *Pool) List(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "ls", p.cfg.PoolName)
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

type deviceListEntry struct {
	Pool   string `json:"pool"`
	Image  string `json:"image"`
	Device string `json:"device"`
}

// HostMapped reports whether name is currently mapped as a block
// device on this host. rbd device list is inherently host-local
// (it reads /sys/bus/rbd on the machine it runs on), so no cross-host
// filtering is needed.
func (p *Pool) HostMapped(ctx context.Context, name string) (bool, error) {
	out, err := p.run(ctx, "device", "list", "--format", "json")
	if err != nil {
		return false, err
	}
	var entries []deviceListEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return false, fmt.Errorf("pool/rbd: parse device list: %w", err)
	}
	for _, e := range entries {
		if e.Pool == p.cfg.PoolName && e.Image == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pool) imageExists(ctx context.Context, name string) (bool, error) {
	names, err := p.List(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pool) mapDevice(ctx context.Context, name string, readOnly bool) (string, error) {
	args := []string{"device", "map"}
	if readOnly {
		args = append(args, "--read-only")
	}
	if p.cfg.MapOptions != "" {
		args = append(args, "--options", p.cfg.MapOptions)
	}
	args = append(args, p.imagePath(name))
	out, err := p.run(ctx, args...)
	if err != nil {
		return "", err
	}
	device := strings.TrimSpace(out)
	if device == "" {
		return "", fmt.Errorf("pool/rbd: map %s: empty device path", name)
	}
	return device, nil
}

func (p *Pool) unmapDevice(ctx context.Context, device string) error {
	_, err := p.run(ctx, "device", "unmap", device)
	return err
}

type writer struct {
	pool   *Pool
	name   string
	device string
	file   *os.File
	done   bool
}

func (w *writer) WriteAt(b []byte, off int64) (int, error) {
	return w.file.WriteAt(b, off)
}

// Finalize syncs and unmaps the read-write mapping; the RO-shard file
// is left durable on the image, and it is the pool manager's job to
// map it read-only on reader hosts afterward.
func (w *writer) Finalize(ctx context.Context) error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("pool/rbd: sync %s: %w", w.device, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("pool/rbd: close %s: %w", w.device, err)
	}
	if err := w.pool.unmapDevice(ctx, w.device); err != nil {
		return err
	}
	w.done = true
	return nil
}

// Abort unmaps and removes the image, so a failed pack run never
// leaves a half-written image visible under the shard's name.
func (w *writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.file.Close()
	w.pool.unmapDevice(ctx, w.device)
	return w.pool.Delete(ctx, w.name)
}

type reader struct {
	pool   *Pool
	device string
	file   *os.File
	size   int64
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) { return r.file.ReadAt(p, off) }
func (r *reader) Size() int64                             { return r.size }

func (r *reader) Close() error {
	r.file.Close()
	return r.pool.unmapDevice(context.Background(), r.device)
}
