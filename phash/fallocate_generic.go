//go:build !linux

package phash

import "os"

func fallocate(f *os.File, offset, size int64) error {
	return fakeFallocate(f, offset, size)
}
