package rbd

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_RequiresPoolName(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestImagePath(t *testing.T) {
	p, err := Open(Config{PoolName: "winery-objects"})
	require.NoError(t, err)
	require.Equal(t, "winery-objects/deadbeef", p.imagePath("deadbeef"))
}

// TestList_RequiresRBDBinary exercises the real CLI wiring end to end
// when an `rbd` binary and cluster are available; it is skipped
// otherwise since this driver has no in-memory fake for Ceph.
func TestList_RequiresRBDBinary(t *testing.T) {
	if _, err := exec.LookPath("rbd"); err != nil {
		t.Skip("rbd CLI not available")
	}
	p, err := Open(Config{PoolName: "winery-objects"})
	require.NoError(t, err)
	_, err = p.List(context.Background())
	require.NoError(t, err)
}
