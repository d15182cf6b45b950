package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/backend/backendtest"
	"codeberg.org/mutker/battmon/internal/device"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID  = telemetry.TargetID("host:test")
	phoneID = telemetry.TargetID("device:A1")
)

type fetchFunc func(context.Context, backend.Target) (telemetry.Payload, error)

type harness struct {
	sched    *Scheduler
	store    *history.Store
	devices  *device.Manager
	host     *backendtest.Fake
	phone    *backendtest.Fake
	inflight *backend.Inflight
	rec      *countingRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.BackendTimeout = 50 * time.Millisecond
	cfg.DiscoveryMode = DiscoveryPolling

	return cfg
}

func newHarness(t *testing.T, cfg Config, hostFetch, phoneFetch fetchFunc, extra ...backend.Backend) *harness {
	t.Helper()

	h := &harness{
		inflight: &backend.Inflight{},
		rec:      &countingRecorder{},
		host: &backendtest.Fake{
			BackendName: "host",
			Caps:        backend.Capabilities{Host: true},
			FetchFunc:   hostFetch,
		},
		phone: &backendtest.Fake{
			BackendName: "phone",
			Caps:        backend.Capabilities{Devices: true, Discovery: true},
			FetchFunc:   phoneFetch,
		},
	}
	if phoneFetch != nil {
		h.phone.ScanFunc = func(context.Context) ([]string, error) { return []string{"A1"}, nil }
	}

	backends := append([]backend.Backend{h.host, h.phone}, extra...)
	chain := backend.NewChain(h.inflight, backends...)

	devCfg := device.DefaultConfig()
	devCfg.ConnectTimeout = time.Second
	h.devices = device.NewManager(devCfg, h.inflight)

	store, err := history.Open(context.Background(), history.Config{DBPath: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	h.store = store
	t.Cleanup(func() { store.Close() })

	h.sched, err = New(cfg, chain, h.devices, store, h.rec)
	require.NoError(t, err)
	h.sched.host = hostID

	return h
}

// fresh reports charge percent with the time of the fetch.
func fresh(kind telemetry.PayloadKind, percent int) fetchFunc {
	return func(_ context.Context, target backend.Target) (telemetry.Payload, error) {
		return telemetry.Encode(kind, telemetry.Sample{
			TargetID:       target.ID,
			CapturedAt:     time.Now().UTC(),
			ChargePercent:  percent,
			ChargeState:    telemetry.Discharging,
			CycleCount:     telemetry.Ptr(120),
			DesignCapacity: telemetry.Ptr(5000),
		})
	}
}

func hangs(t *testing.T) fetchFunc {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	return backendtest.Hangs(release)
}

func latest(t *testing.T, store *history.Store, target telemetry.TargetID) (telemetry.Sample, bool) {
	t.Helper()

	s, ok, err := store.Latest(context.Background(), target)
	require.NoError(t, err)

	return s, ok
}

func TestCycleStoresHostAndDevice(t *testing.T) {
	h := newHarness(t, testConfig(), fresh(telemetry.KindPowerSupply, 80), fresh(telemetry.KindLockdown, 64))

	rep, ran := h.sched.Cycle(context.Background())
	require.True(t, ran)
	assert.Empty(t, rep.Failures)
	assert.ElementsMatch(t, []telemetry.TargetID{hostID, phoneID}, rep.Stored)
	assert.False(t, rep.StorageDown)

	hostSample, ok := latest(t, h.store, hostID)
	require.True(t, ok)
	assert.Equal(t, 80, hostSample.ChargePercent)

	phoneSample, ok := latest(t, h.store, phoneID)
	require.True(t, ok)
	assert.Equal(t, 64, phoneSample.ChargePercent)

	sess, ok := h.devices.Session("A1")
	require.True(t, ok)
	assert.Equal(t, device.Connected, sess.State)
	assert.Equal(t, []string{"A1"}, h.phone.Connects())

	meta, ok, err := h.store.Metadata(context.Background(), phoneID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A1", meta.Serial)

	_, ok, err = h.store.Metadata(context.Background(), hostID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, h.rec.count("stored"))
	assert.Equal(t, 1, h.rec.states()["connected"])
}

func TestHungDeviceDoesNotBlockHost(t *testing.T) {
	h := newHarness(t, testConfig(), fresh(telemetry.KindPowerSupply, 80), hangs(t))

	started := time.Now()
	rep, ran := h.sched.Cycle(context.Background())
	require.True(t, ran)
	assert.Less(t, time.Since(started), time.Second)

	assert.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)
	assert.True(t, errors.HasCode(rep.Failures[phoneID], backend.ErrTimeout))
	assert.EqualValues(t, 1, h.inflight.Pending())

	sess, _ := h.devices.Session("A1")
	assert.Equal(t, device.Connected, sess.State)
	assert.Equal(t, 1, sess.ConsecutiveTimeouts)
}

func TestDrain(t *testing.T) {
	t.Run("bounded by backend timeout", func(t *testing.T) {
		h := newHarness(t, testConfig(), nil, hangs(t))
		h.sched.Cycle(context.Background())

		started := time.Now()
		assert.False(t, h.sched.Drain())
		assert.Less(t, time.Since(started), time.Second)
		assert.EqualValues(t, 1, h.inflight.Pending())
	})

	t.Run("waits for released calls", func(t *testing.T) {
		release := make(chan struct{})
		h := newHarness(t, testConfig(), nil, backendtest.Hangs(release))
		h.sched.Cycle(context.Background())
		require.EqualValues(t, 1, h.inflight.Pending())

		close(release)
		assert.True(t, h.sched.Drain())
		assert.Zero(t, h.inflight.Pending())
	})
}

func TestThreeTimeoutsDisconnectDevice(t *testing.T) {
	h := newHarness(t, testConfig(), nil, hangs(t))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		h.sched.Cycle(ctx)
		sess, _ := h.devices.Session("A1")
		require.Equal(t, device.Connected, sess.State, "after %d timeouts", i)
		require.Equal(t, i, sess.ConsecutiveTimeouts)
	}

	h.sched.Cycle(ctx)
	sess, _ := h.devices.Session("A1")
	assert.Equal(t, device.Disconnected, sess.State)
	assert.Equal(t, 3, sess.TotalTimeouts)
	assert.Equal(t, 3, h.rec.count("failed:"+string(backend.ErrTimeout)))
}

func TestParseFailureStoresNothing(t *testing.T) {
	missingCharge := func(context.Context, backend.Target) (telemetry.Payload, error) {
		return telemetry.PowerSupplyPayload{
			Props: map[string]string{"POWER_SUPPLY_STATUS": "Charging"},
			At:    time.Now(),
		}, nil
	}
	h := newHarness(t, testConfig(), missingCharge, nil)

	rep, _ := h.sched.Cycle(context.Background())
	require.Contains(t, rep.Failures, hostID)
	err := rep.Failures[hostID]
	assert.True(t, errors.HasCode(err, telemetry.ErrParseFailure))
	assert.Equal(t, telemetry.FieldChargePercent, telemetry.FailedField(err))
	assert.Empty(t, rep.Stored)

	_, ok := latest(t, h.store, hostID)
	assert.False(t, ok)
}

func TestOverlappingCycleSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := func(ctx context.Context, target backend.Target) (telemetry.Payload, error) {
		once.Do(func() { close(entered) })
		<-release
		return fresh(telemetry.KindPowerSupply, 70)(ctx, target)
	}

	cfg := testConfig()
	cfg.BackendTimeout = 5 * time.Second
	h := newHarness(t, cfg, slow, nil)

	first := make(chan Report, 1)
	go func() {
		rep, _ := h.sched.Cycle(context.Background())
		first <- rep
	}()
	<-entered

	_, ran := h.sched.Cycle(context.Background())
	assert.False(t, ran)
	assert.EqualValues(t, 1, h.sched.Overruns())
	assert.Equal(t, 1, h.rec.count("overrun"))

	close(release)
	rep := <-first
	assert.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)
	assert.EqualValues(t, 1, h.sched.Cycles())
}

func TestDuplicateSamplesNotStoredTwice(t *testing.T) {
	fixed := backendtest.Returns(telemetry.KindPowerSupply, telemetry.Sample{
		CapturedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ChargePercent: 80,
		ChargeState:   telemetry.Discharging,
	})
	h := newHarness(t, testConfig(), fixed, nil)
	ctx := context.Background()

	rep, _ := h.sched.Cycle(ctx)
	assert.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)

	rep, _ = h.sched.Cycle(ctx)
	assert.Empty(t, rep.Stored)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Empty(t, rep.Failures)

	// A restarted scheduler has an empty dedupe cache; the store still
	// refuses the duplicate.
	restarted, err := New(testConfig(), backend.NewChain(nil, h.host), h.devices, h.store, nil)
	require.NoError(t, err)
	restarted.host = hostID

	rep, _ = restarted.Cycle(ctx)
	assert.Empty(t, rep.Stored)
	assert.Equal(t, 1, rep.Duplicates)
}

func TestConflictingReadReported(t *testing.T) {
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	// Same capture time, different charge on the second read.
	flipping := func(ctx context.Context, target backend.Target) (telemetry.Payload, error) {
		charge := 80
		if calls.Add(1) > 1 {
			charge = 55
		}
		return backendtest.Returns(telemetry.KindPowerSupply, telemetry.Sample{
			CapturedAt:    capturedAt,
			ChargePercent: charge,
			ChargeState:   telemetry.Charging,
		})(ctx, target)
	}
	h := newHarness(t, testConfig(), flipping, nil)
	ctx := context.Background()

	rep, _ := h.sched.Cycle(ctx)
	assert.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)

	rep, _ = h.sched.Cycle(ctx)
	assert.Empty(t, rep.Stored)
	assert.Zero(t, rep.Duplicates)
	assert.True(t, errors.HasCode(rep.Failures[hostID], history.ErrConflict))
	assert.Equal(t, 1, h.rec.count("failed:"+string(history.ErrConflict)))

	// The stored sample is untouched.
	stored, ok := latest(t, h.store, hostID)
	require.True(t, ok)
	assert.Equal(t, 80, stored.ChargePercent)
}

func TestConnectFailureCountedByBackend(t *testing.T) {
	h := newHarness(t, testConfig(), nil, fresh(telemetry.KindLockdown, 64))
	h.phone.ConnectFunc = func(context.Context, string) (backend.DeviceInfo, error) {
		return backend.DeviceInfo{}, errors.New().New(backend.ErrPermissionDenied)
	}

	h.sched.Cycle(context.Background())
	assert.Equal(t, 1, h.rec.count("connect:"+string(backend.ErrPermissionDenied)))
	assert.Zero(t, h.rec.count("failed:"+string(backend.ErrPermissionDenied)))
}

func TestTargetLabel(t *testing.T) {
	assert.Equal(t, "device:A1", targetLabel(phoneID))
	assert.Equal(t, "session", targetLabel(telemetry.SessionTarget()))
}

func TestStorageUnavailableSkipsRemainingWrites(t *testing.T) {
	h := newHarness(t, testConfig(), fresh(telemetry.KindPowerSupply, 80), fresh(telemetry.KindLockdown, 64))
	require.NoError(t, h.store.Close())

	rep, _ := h.sched.Cycle(context.Background())
	assert.True(t, rep.StorageDown)
	assert.Empty(t, rep.Stored)
	assert.True(t, errors.HasCode(rep.Failures[hostID], ErrStorageSkipped))
	assert.True(t, errors.HasCode(rep.Failures[phoneID], ErrStorageSkipped))

	// Reads went ahead.
	assert.Len(t, h.host.Fetches(), 1)
	assert.Len(t, h.phone.Fetches(), 1)
	sess, _ := h.devices.Session("A1")
	assert.Equal(t, device.Connected, sess.State)
}

func TestPermissionWarnedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLogLevel(logger.WarnLevel)
	t.Cleanup(func() {
		logger.SetOutput(os.Stdout)
		logger.SetLogLevel(logger.DebugLevel)
	})

	fallback := &backendtest.Fake{
		BackendName: "fallback",
		Caps:        backend.Capabilities{Host: true},
		FetchFunc:   fresh(telemetry.KindIOReg, 50),
	}
	h := newHarness(t, testConfig(), backendtest.Fails(backend.ErrPermissionDenied), nil, fallback)

	for range 3 {
		rep, _ := h.sched.Cycle(context.Background())
		require.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)
	}

	assert.Len(t, h.host.Fetches(), 3)
	assert.Equal(t, 1, strings.Count(buf.String(), "Backend lacks permission"))
}

func TestNotificationsDriveDiscovery(t *testing.T) {
	notifier := &notifyingFake{
		Fake: &backendtest.Fake{
			BackendName: "usb",
			Caps:        backend.Capabilities{Devices: true, Notifications: true},
			FetchFunc:   fresh(telemetry.KindLockdown, 42),
		},
		events: make(chan backend.DeviceEvent, 1),
	}

	cfg := testConfig()
	cfg.DiscoveryMode = DiscoveryNotification
	cfg.HostEnabled = false
	h := newHarness(t, cfg, nil, nil, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	notifier.events <- backend.DeviceEvent{Kind: backend.DeviceArrived, Handle: "A1", At: time.Now()}

	require.Eventually(t, func() bool {
		_, ok, err := h.store.Latest(context.Background(), phoneID)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Empty(t, h.host.Fetches())
	assert.Positive(t, h.sched.Cycles())
}

func TestRetentionPrunesOldSamples(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionDays = 30
	h := newHarness(t, cfg, fresh(telemetry.KindPowerSupply, 80), nil)
	ctx := context.Background()

	old := telemetry.Sample{
		TargetID:      hostID,
		CapturedAt:    time.Now().AddDate(0, 0, -60).UTC(),
		ChargePercent: 90,
		ChargeState:   telemetry.Full,
	}
	_, err := h.store.InsertIfAbsent(ctx, old)
	require.NoError(t, err)

	h.sched.Cycle(ctx)

	got, err := h.store.QueryRange(ctx, hostID, old.CapturedAt, old.CapturedAt)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok := latest(t, h.store, hostID)
	assert.True(t, ok)
}

func TestCapabilitiesReprobed(t *testing.T) {
	cfg := testConfig()
	cfg.CapabilityRecheckCycles = 2
	h := newHarness(t, cfg, fresh(telemetry.KindPowerSupply, 80), nil)
	h.host.SetCaps(backend.Capabilities{})
	ctx := context.Background()

	rep, _ := h.sched.Cycle(ctx)
	assert.True(t, errors.HasCode(rep.Failures[hostID], backend.ErrNoBackend))

	h.host.SetCaps(backend.Capabilities{Host: true})

	rep, _ = h.sched.Cycle(ctx)
	assert.True(t, errors.HasCode(rep.Failures[hostID], backend.ErrNoBackend))

	rep, _ = h.sched.Cycle(ctx)
	assert.Equal(t, []telemetry.TargetID{hostID}, rep.Stored)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.DiscoveryMode = "carrier-pigeon"
	assert.True(t, errors.HasCode(bad.Validate(), ErrInvalidDiscoveryMode))

	for _, mutate := range []func(*Config){
		func(c *Config) { c.PollInterval = 0 },
		func(c *Config) { c.BackendTimeout = -time.Second },
		func(c *Config) { c.RetentionDays = -1 },
		func(c *Config) { c.CapabilityRecheckCycles = -1 },
		func(c *Config) { c.DedupeSize = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.True(t, errors.HasCode(cfg.Validate(), errors.ErrInvalidConfig))
	}
}

type notifyingFake struct {
	*backendtest.Fake
	events chan backend.DeviceEvent
}

func (n *notifyingFake) Subscribe(ctx context.Context, emit func(backend.DeviceEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.events:
			emit(ev)
		}
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	counts   map[string]int
	sessions map[string]int
}

func (r *countingRecorder) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[key]++
}

func (r *countingRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counts[key]
}

func (r *countingRecorder) states() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions
}

func (r *countingRecorder) CycleCompleted(time.Duration)  { r.inc("cycle") }
func (r *countingRecorder) CycleOverrun()                 { r.inc("overrun") }
func (r *countingRecorder) SampleStored(string)           { r.inc("stored") }
func (r *countingRecorder) SampleDuplicate(string)        { r.inc("duplicate") }
func (r *countingRecorder) AcquisitionFailed(_, c string) { r.inc("failed:" + c) }
func (r *countingRecorder) ConnectFailed(_, c string)     { r.inc("connect:" + c) }
func (r *countingRecorder) EventsDropped(uint64)          {}

func (r *countingRecorder) SessionStates(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = counts
}
