package backend_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/backend/backendtest"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hostCaps   = backend.Capabilities{Host: true}
	deviceCaps = backend.Capabilities{Devices: true, Discovery: true}
	host       = backend.Target{ID: "host:test", Scope: backend.ScopeHost}
	phone      = backend.Target{ID: "device:A1", Scope: backend.ScopeDevice, Handle: "A1"}
)

func sample(percent int) telemetry.Sample {
	return telemetry.Sample{
		CapturedAt:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ChargePercent: percent,
		ChargeState:   telemetry.Discharging,
	}
}

func newChain(t *testing.T, backends ...backend.Backend) *backend.Chain {
	t.Helper()

	c := backend.NewChain(nil, backends...)
	c.Refresh(context.Background())

	return c
}

func TestFirstSuccessWins(t *testing.T) {
	first := &backendtest.Fake{BackendName: "first", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindPowerSupply, sample(40))}
	second := &backendtest.Fake{BackendName: "second", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(90))}
	c := newChain(t, first, second)

	res := c.NewCycle(time.Second).Fetch(context.Background(), host)
	require.NoError(t, res.Err)
	assert.Equal(t, "first", res.Backend)
	assert.Equal(t, telemetry.KindPowerSupply, res.Payload.Kind())
	assert.Empty(t, second.Fetches())
}

func TestUnavailableSkippedSilently(t *testing.T) {
	missing := &backendtest.Fake{BackendName: "missing", Caps: hostCaps, FetchFunc: backendtest.Fails(backend.ErrUnavailable)}
	absent := &backendtest.Fake{BackendName: "absent"}
	good := &backendtest.Fake{BackendName: "good", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(55))}
	c := newChain(t, missing, absent, good)

	res := c.NewCycle(time.Second).Fetch(context.Background(), host)
	require.NoError(t, res.Err)
	assert.Equal(t, "good", res.Backend)
	assert.Empty(t, res.Failures)
	assert.Empty(t, absent.Fetches(), "backend without capabilities must not be called")
}

func TestScopeFiltering(t *testing.T) {
	hostOnly := &backendtest.Fake{BackendName: "host", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(10))}
	devOnly := &backendtest.Fake{BackendName: "dev", Caps: deviceCaps, FetchFunc: backendtest.Returns(telemetry.KindLockdown, sample(20))}
	c := newChain(t, hostOnly, devOnly)

	cycle := c.NewCycle(time.Second)
	assert.Equal(t, "host", cycle.Fetch(context.Background(), host).Backend)
	assert.Equal(t, "dev", cycle.Fetch(context.Background(), phone).Backend)
	assert.Len(t, hostOnly.Fetches(), 1)
	assert.Len(t, devOnly.Fetches(), 1)
}

func TestBrokenForRestOfCycle(t *testing.T) {
	tests := []struct {
		name string
		code errors.ErrorCode
	}{
		{"permission denied", backend.ErrPermissionDenied},
		{"parse failure", backend.ErrParseFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &backendtest.Fake{BackendName: "flaky", Caps: backend.Capabilities{Host: true, Devices: true}, FetchFunc: backendtest.Fails(tt.code)}
			fallback := &backendtest.Fake{BackendName: "fallback", Caps: backend.Capabilities{Host: true, Devices: true}, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(70))}
			c := newChain(t, flaky, fallback)

			cycle := c.NewCycle(time.Second)
			res := cycle.Fetch(context.Background(), host)
			require.NoError(t, res.Err)
			assert.Equal(t, "fallback", res.Backend)
			assert.True(t, errors.HasCode(res.Failures["flaky"], tt.code))
			assert.Contains(t, cycle.Broken(), "flaky")

			res = cycle.Fetch(context.Background(), phone)
			require.NoError(t, res.Err)
			assert.Len(t, flaky.Fetches(), 1, "broken backend retried within the cycle")

			c.NewCycle(time.Second).Fetch(context.Background(), host)
			assert.Len(t, flaky.Fetches(), 2, "broken state leaked into the next cycle")
		})
	}
}

func TestResultCachedPerCycle(t *testing.T) {
	b := &backendtest.Fake{BackendName: "b", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(33))}
	c := newChain(t, b)

	cycle := c.NewCycle(time.Second)
	first := cycle.Fetch(context.Background(), host)
	second := cycle.Fetch(context.Background(), host)

	assert.Equal(t, first, second)
	assert.Len(t, b.Fetches(), 1)
}

func TestNoBackend(t *testing.T) {
	c := newChain(t, &backendtest.Fake{BackendName: "only", Caps: hostCaps, FetchFunc: backendtest.Fails(backend.ErrUnavailable)})

	res := c.NewCycle(time.Second).Fetch(context.Background(), phone)
	assert.True(t, errors.HasCode(res.Err, backend.ErrNoBackend))
	assert.Nil(t, res.Payload)
}

func TestWorstFailureReported(t *testing.T) {
	parse := &backendtest.Fake{BackendName: "parse", Caps: deviceCaps, FetchFunc: backendtest.Fails(backend.ErrParseFailure)}
	gone := &backendtest.Fake{BackendName: "gone", Caps: deviceCaps, FetchFunc: backendtest.Fails(backend.ErrDeviceGone)}
	after := &backendtest.Fake{BackendName: "after", Caps: deviceCaps, FetchFunc: backendtest.Returns(telemetry.KindLockdown, sample(5))}
	c := newChain(t, parse, gone, after)

	res := c.NewCycle(time.Second).Fetch(context.Background(), phone)
	assert.True(t, errors.HasCode(res.Err, backend.ErrDeviceGone))
	assert.Empty(t, after.Fetches(), "chain continued past a gone device")
}

func TestHungBackendAbandoned(t *testing.T) {
	release := make(chan struct{})
	hung := &backendtest.Fake{BackendName: "hung", Caps: hostCaps, FetchFunc: backendtest.Hangs(release)}
	good := &backendtest.Fake{BackendName: "good", Caps: hostCaps, FetchFunc: backendtest.Returns(telemetry.KindIOReg, sample(61))}
	c := newChain(t, hung, good)

	start := time.Now()
	res := c.NewCycle(50*time.Millisecond).Fetch(context.Background(), host)
	require.NoError(t, res.Err)
	assert.Equal(t, "good", res.Backend)
	assert.True(t, errors.HasCode(res.Failures["hung"], backend.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), c.Inflight().Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Inflight().Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.Inflight().Wait(context.Background()))
	assert.Zero(t, c.Inflight().Pending())
}

func TestCombinedCapabilities(t *testing.T) {
	dev := &backendtest.Fake{BackendName: "dev", Caps: backend.Capabilities{Devices: true, Notifications: true}}
	c := newChain(t, &backendtest.Fake{BackendName: "host", Caps: hostCaps}, dev)

	all := c.Combined()
	assert.True(t, all.Host)
	assert.True(t, all.Devices)
	assert.True(t, all.Notifications)
	assert.False(t, all.Discovery)
	assert.Same(t, dev, c.Devices())

	dev.SetCaps(backend.Capabilities{})
	c.Refresh(context.Background())
	assert.Nil(t, c.Devices())
	assert.False(t, c.Combined().Devices)
}
