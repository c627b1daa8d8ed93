package throttler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wineryhq/winery/catalog"
	"github.com/wineryhq/winery/wineryerrors"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dsn := os.Getenv("WINERY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cat, err := catalog.Open(ctx, dsn, "winery-throttler-test")
	require.NoError(t, err)
	require.NoError(t, cat.Migrate(ctx))
	t.Cleanup(cat.Close)
	return cat
}

func TestWait_AllowsBytesUnderBudget(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	th, err := New(ctx, cat, catalog.ThrottleRead, Config{MaxBPS: 1 << 30})
	require.NoError(t, err)
	require.NoError(t, th.Wait(ctx, 1024))
}

func TestWait_FailsClosedWhenHeartbeatStale(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	th, err := New(ctx, cat, catalog.ThrottleWrite, Config{MaxBPS: 1 << 30, RefreshInterval: time.Millisecond})
	require.NoError(t, err)
	th.lastSuccess.Store(time.Now().Add(-time.Hour).UnixNano())

	err = th.Wait(ctx, 1)
	require.ErrorIs(t, err, wineryerrors.Throttled)
}
