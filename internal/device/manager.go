package device

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

// Manager tracks one session per device handle. Discovery notifications
// may arrive on any goroutine through Notify; everything else is meant to
// be called from the acquisition loop.
type Manager struct {
	cfg      Config
	inflight *backend.Inflight
	log      logger.Logger
	now      func() time.Time

	events  chan backend.DeviceEvent
	dropped atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	Session
	attempt *attempt
}

// attempt is one Connect call that may outlive its caller.
type attempt struct {
	finished  bool
	abandoned bool
}

func NewManager(cfg Config, inflight *backend.Inflight) *Manager {
	if inflight == nil {
		inflight = &backend.Inflight{}
	}

	return &Manager{
		cfg:      cfg,
		inflight: inflight,
		log:      logger.Component("device"),
		now:      time.Now,
		events:   make(chan backend.DeviceEvent, cfg.QueueSize),
		sessions: make(map[string]*session),
	}
}

// Notify queues a discovery event without blocking. It reports false when
// the queue was full and the event was dropped.
func (m *Manager) Notify(ev backend.DeviceEvent) bool {
	select {
	case m.events <- ev:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events Notify had to discard.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Drain applies every queued discovery event and returns them in arrival
// order.
func (m *Manager) Drain() []backend.DeviceEvent {
	var applied []backend.DeviceEvent

	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
			applied = append(applied, ev)
		default:
			return applied
		}
	}
}

func (m *Manager) apply(ev backend.DeviceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case backend.DeviceArrived:
		m.arrive(ev.Handle)
	case backend.DeviceDeparted:
		if s, ok := m.sessions[ev.Handle]; ok {
			m.transition(s, Disconnected, "departed")
		}
	}
}

// Reconcile applies the result of a polling scan: listed handles arrive,
// sessions missing from the list depart.
func (m *Manager) Reconcile(handles []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(handles))
	for _, h := range handles {
		present[h] = true
		m.arrive(h)
	}

	for h, s := range m.sessions {
		if !present[h] && s.State != Disconnected && s.State != Connecting {
			m.transition(s, Disconnected, "missing from scan")
		}
	}
}

// arrive must be called with m.mu held.
func (m *Manager) arrive(handle string) {
	if handle == "" {
		return
	}

	s, ok := m.sessions[handle]
	if !ok {
		s = &session{Session: Session{Handle: handle, State: Disconnected}}
		m.sessions[handle] = s
	}
	if s.State == Disconnected {
		s.ConsecutiveTimeouts = 0
		m.transition(s, Discovered, "arrived")
	}
}

// Connect establishes a session for a discovered device within the
// configured connect timeout. A second call while a connection attempt is
// still running, including an abandoned one, fails with
// ErrAlreadyConnecting.
func (m *Manager) Connect(ctx context.Context, db backend.DeviceBackend, handle string) (backend.DeviceInfo, error) {
	factory := errors.New()

	m.mu.Lock()
	s, ok := m.sessions[handle]
	switch {
	case !ok:
		m.mu.Unlock()
		return backend.DeviceInfo{}, factory.WithData(ErrUnknownDevice, handle)
	case s.State == Connecting:
		m.mu.Unlock()
		return backend.DeviceInfo{}, factory.WithData(ErrAlreadyConnecting, handle)
	case s.State != Discovered:
		m.mu.Unlock()
		return backend.DeviceInfo{}, factory.WithData(ErrInvalidState, s.State.String())
	}

	a := &attempt{}
	s.attempt = a
	m.transition(s, Connecting, "connect")
	m.mu.Unlock()

	info, err := backend.Call(m.inflight, ctx, m.cfg.ConnectTimeout, func(ctx context.Context) (backend.DeviceInfo, error) {
		info, err := db.Connect(ctx, handle)

		m.mu.Lock()
		defer m.mu.Unlock()
		a.finished = true
		if a.abandoned && s.attempt == a && s.State == Connecting {
			s.attempt = nil
			m.transition(s, Discovered, "abandoned connect returned")
		}

		return info, err
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil && !a.finished {
		// The backend call is still running; the session stays Connecting
		// until it returns.
		a.abandoned = true
		return backend.DeviceInfo{}, err
	}

	s.attempt = nil
	if s.State != Connecting {
		// Departed while connecting.
		return backend.DeviceInfo{}, factory.WithData(ErrInvalidState, s.State.String())
	}

	if err != nil {
		if errors.HasCode(err, backend.ErrDeviceGone) {
			m.transition(s, Disconnected, "gone during connect")
		} else {
			m.transition(s, Discovered, "connect failed")
		}
		return backend.DeviceInfo{}, err
	}

	if info.Handle == "" {
		info.Handle = handle
	}
	serial := info.Serial
	if serial == "" {
		serial = handle
	}
	s.Target = telemetry.DeviceTarget(serial)
	s.Info = info
	s.ConsecutiveTimeouts = 0
	s.LastRead = m.now()
	m.transition(s, Connected, "connected")

	return info, nil
}

// BeginRead marks a connected or idle session as being read and returns
// the backend target to read from.
func (m *Manager) BeginRead(handle string) (backend.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[handle]
	if !ok {
		return backend.Target{}, errors.New().WithData(ErrUnknownDevice, handle)
	}
	if s.State != Connected && s.State != Idle {
		return backend.Target{}, errors.New().WithData(ErrInvalidState, s.State.String())
	}

	m.transition(s, Reading, "read")

	return backend.Target{ID: s.Target, Scope: backend.ScopeDevice, Handle: handle}, nil
}

// EndRead records the outcome of a read started with BeginRead and
// returns the resulting state.
func (m *Manager) EndRead(handle string, err error) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[handle]
	if !ok || s.State != Reading {
		if ok {
			return s.State
		}
		return Disconnected
	}

	switch {
	case err == nil:
		s.ConsecutiveTimeouts = 0
		s.LastRead = m.now()
		m.transition(s, Connected, "read")
	case errors.HasCode(err, backend.ErrDeviceGone):
		m.transition(s, Disconnected, "gone")
	case errors.HasCode(err, backend.ErrTimeout):
		s.ConsecutiveTimeouts++
		s.TotalTimeouts++
		if s.ConsecutiveTimeouts >= m.cfg.MaxConsecutiveTimeouts {
			m.transition(s, Disconnected, "too many timeouts")
		} else {
			m.transition(s, Connected, "read timed out")
		}
	case errors.HasCode(err, backend.ErrNoBackend), errors.HasCode(err, backend.ErrUnavailable):
		m.transition(s, Idle, "nothing read")
	default:
		m.transition(s, Connected, "read failed")
	}

	return s.State
}

// ExpireIdle disconnects sessions that went longer than the idle timeout
// without a successful read and returns their handles.
func (m *Manager) ExpireIdle() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var expired []string
	for _, h := range m.sortedHandles() {
		s := m.sessions[h]
		if s.State != Connected && s.State != Idle {
			continue
		}
		if now.Sub(s.LastRead) >= m.cfg.IdleTimeout {
			m.transition(s, Disconnected, "idle timeout")
			expired = append(expired, h)
		}
	}

	return expired
}

// InState returns the handles of sessions in any of the given states, in
// handle order.
func (m *Manager) InState(states ...State) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var handles []string
	for _, h := range m.sortedHandles() {
		for _, st := range states {
			if m.sessions[h].State == st {
				handles = append(handles, h)
				break
			}
		}
	}

	return handles
}

// Session returns a copy of the session for handle.
func (m *Manager) Session(handle string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[handle]
	if !ok {
		return Session{}, false
	}

	return s.Session, true
}

// Sessions returns copies of all sessions in handle order.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, h := range m.sortedHandles() {
		out = append(out, m.sessions[h].Session)
	}

	return out
}

func (m *Manager) sortedHandles() []string {
	handles := make([]string, 0, len(m.sessions))
	for h := range m.sessions {
		handles = append(handles, h)
	}
	sort.Strings(handles)

	return handles
}

func (m *Manager) transition(s *session, to State, reason string) {
	from := s.State
	if from == to {
		return
	}
	s.State = to
	s.Since = m.now()

	m.log.Debug().
		Str("handle", s.Handle).
		Str("target", s.Target.String()).
		Str("from", from.String()).
		Str("state", to.String()).
		Str("reason", reason).
		Msg("Device session state changed")
}
