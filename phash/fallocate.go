package phash

import (
	"fmt"
	"io"
	"os"
)

// fakeFallocate extends the file to offset+size by writing zero bytes,
// for file systems whose fallocate doesn't support hole punching.
func fakeFallocate(f *os.File, offset, size int64) error {
	const chunkSize = 1 << 20
	zeros := make([]byte, chunkSize)

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	remaining := size
	for remaining > 0 {
		n := chunkSize
		if int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		remaining -= int64(n)
	}
	return nil
}
