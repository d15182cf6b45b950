package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{Enabled: true, Addr: "127.0.0.1:9101"}.Validate())
	assert.NoError(t, Config{Enabled: true, Addr: ":9101"}.Validate())

	err := Config{Enabled: true, Addr: "nope"}.Validate()
	assert.True(t, errors.HasCode(err, ErrInvalidAddr))

	_, err = NewService(Config{Enabled: true})
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))
}

func TestDisabledIsNoop(t *testing.T) {
	rec, err := NewService(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, noopRecorder{}, rec)

	rec.CycleCompleted(time.Second)
	rec.SessionStates(map[string]int{"connected": 1})
}

func TestCollectorCounts(t *testing.T) {
	rec, err := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	c := rec.(*collector)

	again, err := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Same(t, c, again)

	before := testutil.ToFloat64(c.overruns)
	rec.CycleOverrun()
	assert.Equal(t, before+1, testutil.ToFloat64(c.overruns))

	rec.SampleStored("host:test")
	rec.SampleStored("host:test")
	rec.SampleDuplicate("host:test")
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.samples.WithLabelValues("host:test", "stored")), 2.0)

	rec.AcquisitionFailed("device:X", "backend_timeout")
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.failures.WithLabelValues("device:X", "backend_timeout")), 1.0)

	rec.ConnectFailed("imobiledevice", "backend_permission_denied")
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.connects.WithLabelValues("imobiledevice", "backend_permission_denied")), 1.0)

	rec.SessionStates(map[string]int{"connected": 2, "idle": 1})
	rec.SessionStates(map[string]int{"disconnected": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("disconnected")))

	rec.EventsDropped(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.dropped))
}

func TestServe(t *testing.T) {
	register().CycleOverrun()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, ln, logger.Component("metrics"))
	}()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "battmon_cycle_overruns_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
