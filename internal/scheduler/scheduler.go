// Package scheduler runs the acquisition loop: it discovers and connects
// devices, reads every target through the backend chain, decodes the
// payloads and hands the samples to the history store.
package scheduler

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/device"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/metrics"
	"codeberg.org/mutker/battmon/internal/telemetry"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	pruneInterval = 24 * time.Hour
	sessionLabel  = "session"
)

// Store is the part of the history store the scheduler writes to.
type Store interface {
	InsertIfAbsent(ctx context.Context, sample telemetry.Sample) (bool, error)
	UpsertMetadata(ctx context.Context, meta telemetry.DeviceMetadata) (history.MetadataChange, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler drives acquisition cycles. Cycles never overlap; a cycle that
// is due while another is running is skipped and counted as an overrun.
type Scheduler struct {
	cfg     Config
	chain   *backend.Chain
	devices *device.Manager
	store   Store
	metrics metrics.Recorder
	log     logger.Logger
	host    telemetry.TargetID
	now     func() time.Time

	running   atomic.Bool
	notifying atomic.Bool
	cycles    atomic.Uint64
	overruns  atomic.Uint64
	wg        sync.WaitGroup

	// Owned by the running cycle.
	recent    *lru.Cache[telemetry.Key, telemetry.Sample]
	warned    map[string]bool
	probed    uint64
	hostKnown bool
	lastPrune time.Time
}

// Report describes one cycle.
type Report struct {
	Cycle      uint64
	Started    time.Time
	Duration   time.Duration
	Stored     []telemetry.TargetID
	Duplicates int
	Failures   map[telemetry.TargetID]error
	// StorageDown is set when a write failed with the store unavailable;
	// the remaining writes of the cycle were skipped.
	StorageDown bool
}

type cycleState struct {
	chain  *backend.Cycle
	report *Report
}

// New returns a scheduler reading through chain. The chain's Inflight
// tracker is waited on at shutdown, so the device manager should share it.
func New(cfg Config, chain *backend.Chain, devices *device.Manager, store Store, rec metrics.Recorder) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = metrics.Noop()
	}

	recent, err := lru.New[telemetry.Key, telemetry.Sample](cfg.DedupeSize)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}

	return &Scheduler{
		cfg:     cfg,
		chain:   chain,
		devices: devices,
		store:   store,
		metrics: rec,
		log:     logger.Component("scheduler"),
		host:    telemetry.HostTarget(),
		now:     time.Now,
		recent:  recent,
		warned:  make(map[string]bool),
	}, nil
}

// Host returns the target ID used for the local machine.
func (s *Scheduler) Host() telemetry.TargetID {
	return s.host
}

func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

func (s *Scheduler) Overruns() uint64 {
	return s.overruns.Load()
}

// Run probes the backends, starts listening for device notifications and
// runs a cycle every poll interval until ctx is done. It then waits for
// the running cycle and for backend calls still in flight, at most one
// backend timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	s.refresh(ctx)
	s.subscribe(ctx)

	s.log.Info().
		Dur("interval", s.cfg.PollInterval).
		Bool("host", s.cfg.HostEnabled).
		Str("discovery", string(s.cfg.DiscoveryMode)).
		Msg("Acquisition started")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.start(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.subscribe(ctx)
			s.start(ctx)
		}
	}
}

func (s *Scheduler) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Cycle(ctx)
	}()
}

func (s *Scheduler) shutdown() error {
	s.log.Info().Msg("Stopping acquisition")
	s.wg.Wait()
	s.Drain()

	s.log.Info().
		Uint64("cycles", s.Cycles()).
		Uint64("overruns", s.Overruns()).
		Msg("Acquisition stopped")

	return nil
}

// Drain waits, at most one backend timeout, for backend calls abandoned
// by timed out acquisitions to return. It reports whether all of them did.
func (s *Scheduler) Drain() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackendTimeout)
	defer cancel()

	inflight := s.chain.Inflight()
	if err := inflight.Wait(ctx); err != nil {
		s.log.Warn().
			Int64("pending", inflight.Pending()).
			Msg("Backend calls still running at shutdown")
		return false
	}

	return true
}

// subscribe starts forwarding device notifications into the session
// manager's queue unless that is already happening. The callback only
// enqueues.
func (s *Scheduler) subscribe(ctx context.Context) {
	if s.cfg.DiscoveryMode != DiscoveryNotification {
		return
	}
	n := s.chain.Notifier()
	if n == nil || !s.notifying.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.notifying.Store(false)

		err := n.Subscribe(ctx, func(ev backend.DeviceEvent) {
			if !s.devices.Notify(ev) {
				s.log.Warn().
					Str("handle", ev.Handle).
					Str("event", ev.Kind.String()).
					Msg("Device event queue full, event dropped")
			}
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn().
				Str("error_code", string(errors.CodeOf(err))).
				Err(err).
				Msg("Device notifications stopped, polling instead")
		}
	}()
}

// Cycle runs one acquisition cycle now. When another cycle is still
// running it does nothing, counts an overrun and returns false.
func (s *Scheduler) Cycle(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.overruns.Add(1)
		s.metrics.CycleOverrun()
		s.log.Warn().
			Uint64("overruns", s.Overruns()).
			Msg("Previous cycle still running, skipping")
		return Report{}, false
	}
	defer s.running.Store(false)

	return s.cycle(ctx), true
}

func (s *Scheduler) cycle(ctx context.Context) Report {
	n := s.cycles.Add(1)
	rep := Report{
		Cycle:    n,
		Started:  s.now(),
		Failures: make(map[telemetry.TargetID]error),
	}
	st := &cycleState{report: &rep}

	if s.probed == 0 || (s.cfg.CapabilityRecheckCycles > 0 && n-s.probed >= uint64(s.cfg.CapabilityRecheckCycles)) {
		s.refresh(ctx)
	}

	s.discover(ctx)
	s.connect(ctx, st)
	s.describeHost(ctx, st)

	st.chain = s.chain.NewCycle(s.cfg.BackendTimeout)

	if s.cfg.HostEnabled {
		s.acquire(ctx, st, backend.Target{ID: s.host, Scope: backend.ScopeHost})
	}

	for _, handle := range s.devices.InState(device.Connected, device.Idle) {
		if ctx.Err() != nil {
			break
		}

		target, err := s.devices.BeginRead(handle)
		if err != nil {
			continue
		}
		readErr := s.acquire(ctx, st, target)
		if state := s.devices.EndRead(handle, readErr); state == device.Disconnected {
			s.log.Info().
				Str("handle", handle).
				Str("target", target.ID.String()).
				Msg("Device session closed")
		}
	}

	s.prune(ctx, st)
	s.publish()

	rep.Duration = s.now().Sub(rep.Started)
	s.metrics.CycleCompleted(rep.Duration)

	s.log.Debug().
		Uint64("cycle", n).
		Int("stored", len(rep.Stored)).
		Int("duplicates", rep.Duplicates).
		Int("failures", len(rep.Failures)).
		Dur("duration", rep.Duration).
		Msg("Cycle complete")

	return rep
}

func (s *Scheduler) refresh(ctx context.Context) {
	s.chain.Refresh(ctx)
	s.probed = s.cycles.Load()
	if s.probed == 0 {
		// Probed before the first cycle.
		s.probed = 1
	}
}

// discover applies queued notifications and, when notifications are not
// flowing, a polling scan. It then expires idle sessions.
func (s *Scheduler) discover(ctx context.Context) {
	for _, ev := range s.devices.Drain() {
		s.log.Debug().
			Str("handle", ev.Handle).
			Str("event", ev.Kind.String()).
			Msg("Device event")
	}

	if s.cfg.DiscoveryMode == DiscoveryPolling || !s.notifying.Load() {
		s.scan(ctx)
	}

	for _, handle := range s.devices.ExpireIdle() {
		s.log.Info().
			Str("handle", handle).
			Msg("Device session idle for too long")
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	db := s.chain.Devices()
	if db == nil || !s.chain.Capabilities(db.Name()).Discovery {
		return
	}

	handles, err := backend.Call(s.chain.Inflight(), ctx, s.cfg.BackendTimeout, db.Scan)
	if err != nil {
		// A failed scan says nothing about which devices left.
		s.log.Debug().
			Str("backend", db.Name()).
			Str("error_code", string(errors.CodeOf(err))).
			Err(err).
			Msg("Device scan failed")
		return
	}

	s.devices.Reconcile(handles)
}

// connect opens a session with every discovered device and records what
// the device reports about itself.
func (s *Scheduler) connect(ctx context.Context, st *cycleState) {
	db := s.chain.Devices()
	if db == nil {
		return
	}

	for _, handle := range s.devices.InState(device.Discovered) {
		if ctx.Err() != nil {
			return
		}

		info, err := s.devices.Connect(ctx, db, handle)
		if err != nil {
			code := errors.CodeOf(err)
			s.metrics.ConnectFailed(db.Name(), string(code))
			s.log.Warn().
				Str("handle", handle).
				Str("backend", db.Name()).
				Str("error_code", string(code)).
				Err(err).
				Msg("Failed to connect to device")
			continue
		}

		sess, ok := s.devices.Session(handle)
		if !ok {
			continue
		}

		s.log.Info().
			Str("handle", handle).
			Str("target", sess.Target.String()).
			Str("name", info.Name).
			Str("model", info.Model).
			Str("os_version", info.OSVersion).
			Msg("Device connected")

		s.describe(ctx, st, telemetry.DeviceMetadata{
			TargetID:  sess.Target,
			Name:      info.Name,
			Model:     info.Model,
			OSVersion: info.OSVersion,
			Serial:    info.Serial,
			UpdatedAt: s.now(),
		})
	}
}

// describeHost records the host's metadata once per process.
func (s *Scheduler) describeHost(ctx context.Context, st *cycleState) {
	if !s.cfg.HostEnabled || s.hostKnown {
		return
	}

	name, _ := os.Hostname()
	s.hostKnown = s.describe(ctx, st, telemetry.DeviceMetadata{
		TargetID:  s.host,
		Name:      name,
		Model:     runtime.GOOS + "/" + runtime.GOARCH,
		UpdatedAt: s.now(),
	})
}

func (s *Scheduler) describe(ctx context.Context, st *cycleState, meta telemetry.DeviceMetadata) bool {
	if st.report.StorageDown {
		return false
	}

	if _, err := s.store.UpsertMetadata(ctx, meta); err != nil {
		s.storageFailed(st, meta.TargetID, err)
		return false
	}

	return true
}

// acquire reads and stores one target. It returns the read error only;
// storage failures are the store's concern, not the device's.
func (s *Scheduler) acquire(ctx context.Context, st *cycleState, target backend.Target) error {
	sample, err := s.read(ctx, st, target)
	if err != nil {
		st.report.Failures[target.ID] = err
		return err
	}

	s.save(ctx, st, sample)

	return nil
}

func (s *Scheduler) read(ctx context.Context, st *cycleState, target backend.Target) (telemetry.Sample, error) {
	res := st.chain.Fetch(ctx, target)
	s.warnPermissions(target, res.Failures)

	if res.Err != nil {
		code := errors.CodeOf(res.Err)
		s.metrics.AcquisitionFailed(targetLabel(target.ID), string(code))

		var event *logger.LogEvent
		switch code {
		case backend.ErrTimeout, backend.ErrDeviceGone:
			event = s.log.Warn()
		default:
			event = s.log.Debug()
		}
		event.
			Str("target", target.ID.String()).
			Str("error_code", string(code)).
			Err(res.Err).
			Msg("Failed to read target")

		return telemetry.Sample{}, res.Err
	}

	sample, err := telemetry.Decode(target.ID, res.Payload)
	if err != nil {
		s.metrics.AcquisitionFailed(targetLabel(target.ID), string(telemetry.ErrParseFailure))
		s.log.Warn().
			Str("target", target.ID.String()).
			Str("backend", res.Backend).
			Str("field", telemetry.FailedField(err)).
			Err(err).
			Msg("Discarded undecodable payload")
		return telemetry.Sample{}, err
	}

	return sample, nil
}

// warnPermissions surfaces a permission problem once per backend and
// target; later occurrences are only debug logged.
func (s *Scheduler) warnPermissions(target backend.Target, failures map[string]error) {
	for name, err := range failures {
		if !errors.HasCode(err, backend.ErrPermissionDenied) {
			continue
		}

		key := name + "|" + target.ID.String()
		event := s.log.Debug()
		if !s.warned[key] {
			s.warned[key] = true
			event = s.log.Warn()
		}
		event.
			Str("backend", name).
			Str("target", target.ID.String()).
			Err(err).
			Msg("Backend lacks permission to read target")
	}
}

func (s *Scheduler) save(ctx context.Context, st *cycleState, sample telemetry.Sample) {
	rep := st.report
	target := sample.TargetID

	if rep.StorageDown {
		rep.Failures[target] = errors.New().WithData(ErrStorageSkipped, target.String())
		return
	}

	// Only identical content short-circuits; a differing re-read goes to
	// the store so the conflict is reported.
	key := sample.Key()
	if prev, ok := s.recent.Get(key); ok && prev.Equal(&sample) {
		rep.Duplicates++
		s.metrics.SampleDuplicate(targetLabel(target))
		return
	}

	inserted, err := s.store.InsertIfAbsent(ctx, sample)
	switch {
	case errors.HasCode(err, history.ErrConflict):
		rep.Failures[target] = err
		s.metrics.AcquisitionFailed(targetLabel(target), string(history.ErrConflict))
		s.log.Warn().
			Str("target", target.String()).
			Time("captured_at", sample.CapturedAt).
			Msg("Backend reported different data for an already stored sample")
		return
	case err != nil:
		s.storageFailed(st, target, err)
		return
	}

	s.recent.Add(key, sample)
	if inserted {
		rep.Stored = append(rep.Stored, target)
		s.metrics.SampleStored(targetLabel(target))
	} else {
		rep.Duplicates++
		s.metrics.SampleDuplicate(targetLabel(target))
	}
}

// targetLabel folds session-scoped targets into one metric label value;
// they get a fresh identifier on every run.
func targetLabel(id telemetry.TargetID) string {
	if !id.Stable() {
		return sessionLabel
	}

	return id.String()
}

// storageFailed records a store error. An unavailable store stops the
// cycle's remaining writes; reads carry on.
func (s *Scheduler) storageFailed(st *cycleState, target telemetry.TargetID, err error) {
	st.report.Failures[target] = err
	code := errors.CodeOf(err)
	s.metrics.AcquisitionFailed(targetLabel(target), string(code))

	if errors.HasCode(err, history.ErrStorageUnavailable) {
		st.report.StorageDown = true
		s.log.Error().
			Str("target", target.String()).
			Str("error_code", string(code)).
			Err(err).
			Msg("History storage unavailable, skipping remaining writes this cycle")
		return
	}

	s.log.Warn().
		Str("target", target.String()).
		Str("error_code", string(code)).
		Err(err).
		Msg("Failed to store data")
}

// prune applies the retention window at most once a day.
func (s *Scheduler) prune(ctx context.Context, st *cycleState) {
	if s.cfg.RetentionDays == 0 || st.report.StorageDown || ctx.Err() != nil {
		return
	}

	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return
	}

	if _, err := s.store.PruneBefore(ctx, now.AddDate(0, 0, -s.cfg.RetentionDays)); err != nil {
		s.log.Warn().
			Str("error_code", string(errors.CodeOf(err))).
			Err(err).
			Msg("Failed to prune history")
		return
	}
	s.lastPrune = now
}

func (s *Scheduler) publish() {
	counts := make(map[string]int, len(device.States))
	for _, sess := range s.devices.Sessions() {
		counts[sess.State.String()]++
	}
	s.metrics.SessionStates(counts)
	s.metrics.EventsDropped(s.devices.Dropped())
}
