package supervisor

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	return &config.Config{
		S3Endpoint:         "http://127.0.0.1:0",
		S3Region:           "us-east-1",
		S3Bucket:           "test-bucket",
		RedisURL:           "redis://" + mr.Addr(),
		Stream:             "podcast:queue",
		Group:              "workers",
		CacheDir:           t.TempDir(),
		ASREngineCmd:       "/bin/true",
		GPUBatchSize:       4,
		DownloadWorkers:    2,
		PrefetchMultiplier: 2,
		MaxDeliveries:      5,
		LockTTL:            time.Hour,
		DedupTTL:           24 * time.Hour,
		HealthAddr:         ":0",
		DrainTimeout:       time.Second,
		RecoveryEnabled:    true,
		ReclaimPeriod:      time.Hour,
		ReclaimIdle:        2 * time.Hour,
		LogLevel:           "error",
	}
}

func TestConsumerIDIsStableWithinProcess(t *testing.T) {
	a := consumerID()
	b := consumerID()
	require.Equal(t, a, b)
	require.NotEmpty(t, a)
}

func TestNewWiresEveryAdapter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, sup.store)
	require.NotNil(t, sup.queue)
	require.NotNil(t, sup.cache)
	require.NotNil(t, sup.engine)
	require.NotNil(t, sup.lifecycle)
	require.NotNil(t, sup.scheduler)
	require.NotNil(t, sup.recovery)
	require.NotEmpty(t, sup.consumerID)

	require.NoError(t, sup.Close())
}

func TestHealthzAlwaysOK(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sup.Close()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	sup.health.Handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestReadyzReportsModelNotRunning(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sup.Close()

	// The engine subprocess is never started by New/Close alone, so
	// readiness must report unavailable until a scheduler actually runs it.
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	sup.health.Handler.ServeHTTP(rec, req)
	require.Equal(t, 503, rec.Code)
}

func TestReadyzReportsBrokerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sup.Close()

	require.NoError(t, sup.engine.EnsureRunning(context.Background()))
	mr.Close()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	sup.health.Handler.ServeHTTP(rec, req)
	require.Equal(t, 503, rec.Code)
}

func TestRunWorkerExitsCleanlyOnCanceledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	sup, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan int, 1)
	go func() { done <- sup.RunWorker(ctx) }()

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("RunWorker did not exit promptly on a pre-canceled context")
	}
}
