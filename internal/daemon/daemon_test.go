package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	started atomic.Bool
	stopped atomic.Bool
	err     error
}

func (c *fakeConsumer) Run(ctx context.Context) error {
	c.started.Store(true)
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	c.stopped.Store(true)
	return nil
}

func testConfig() Config {
	return Config{
		Addr:            "127.0.0.1:0",
		MetricsAddr:     "127.0.0.1:0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		Registry:        prometheus.NewRegistry(),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("api"))
	})
}

// startDaemon runs the daemon in the background and waits until it is ready
func startDaemon(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()
	require.Eventually(t, d.Ready, 2*time.Second, 10*time.Millisecond)
	return cancel, errCh
}

func TestNewDaemon(t *testing.T) {
	d, err := NewDaemon(testConfig(), okHandler(), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultShutdownTimeout, mustDaemon(t, Config{}).cfg.ShutdownTimeout)
	assert.NotNil(t, d.metrics)
	assert.Nil(t, d.APIAddr())
	assert.False(t, d.Ready())

	_, err = NewDaemon(testConfig(), nil, nil)
	require.Error(t, err)
}

func mustDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	d, err := NewDaemon(cfg, okHandler(), nil)
	require.NoError(t, err)
	return d
}

func TestDaemon_GracefulShutdown(t *testing.T) {
	consumer := &fakeConsumer{}
	d, err := NewDaemon(testConfig(), okHandler(), consumer)
	require.NoError(t, err)

	cancel, errCh := startDaemon(t, d)
	assert.True(t, consumer.started.Load())

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shutdown within timeout")
	}
	assert.True(t, consumer.stopped.Load())
	assert.False(t, d.Ready())
}

func TestDaemon_ServesAPI(t *testing.T) {
	d, err := NewDaemon(testConfig(), okHandler(), nil)
	require.NoError(t, err)

	cancel, errCh := startDaemon(t, d)
	defer func() {
		cancel()
		<-errCh
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/anything", d.APIAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api", string(body))
}

func TestDaemon_HealthEndpoints(t *testing.T) {
	d, err := NewDaemon(testConfig(), okHandler(), nil)
	require.NoError(t, err)

	cancel, errCh := startDaemon(t, d)
	defer func() {
		cancel()
		<-errCh
	}()

	for _, path := range []string{"/health", "/-/healthy", "/-/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(fmt.Sprintf("http://%s%s", d.MetricsAddr(), path))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}

	health := d.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.GreaterOrEqual(t, health.Uptime, int64(0))
}

func TestDaemon_ReadyBeforeStart(t *testing.T) {
	d, err := NewDaemon(testConfig(), okHandler(), nil)
	require.NoError(t, err)

	rec := &statusRecorder{header: http.Header{}}
	d.handleReady(rec, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.status)
	assert.Equal(t, "starting", d.Health().Status)
}

func TestDaemon_ConsumerFailureStopsGroup(t *testing.T) {
	consumer := &fakeConsumer{err: errors.New("queue gone")}
	d, err := NewDaemon(testConfig(), okHandler(), consumer)
	require.NoError(t, err)

	select {
	case err := <-runAsync(d):
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue gone")
	case <-time.After(3 * time.Second):
		t.Fatal("daemon kept running after consumer failure")
	}
}

func TestDaemon_ListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "256.0.0.1:bad"
	d, err := NewDaemon(cfg, okHandler(), nil)
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func runAsync(d *Daemon) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(context.Background())
	}()
	return errCh
}

type statusRecorder struct {
	header http.Header
	status int
}

func (r *statusRecorder) Header() http.Header         { return r.header }
func (r *statusRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (r *statusRecorder) WriteHeader(status int)      { r.status = status }
