package backend

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

// Chain holds the backends in preference order together with their most
// recently probed capabilities.
type Chain struct {
	backends []Backend
	inflight *Inflight
	log      logger.Logger

	mu   sync.RWMutex
	caps map[string]Capabilities
}

func NewChain(inflight *Inflight, backends ...Backend) *Chain {
	if inflight == nil {
		inflight = &Inflight{}
	}

	return &Chain{
		backends: backends,
		inflight: inflight,
		log:      logger.Component("backend"),
		caps:     make(map[string]Capabilities, len(backends)),
	}
}

func (c *Chain) Inflight() *Inflight {
	return c.inflight
}

// Refresh probes every backend and records what it can do.
func (c *Chain) Refresh(ctx context.Context) {
	probed := make(map[string]Capabilities, len(c.backends))
	for _, b := range c.backends {
		probed[b.Name()] = b.Probe(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, caps := range probed {
		if prev, ok := c.caps[name]; !ok || prev != caps {
			c.log.Info().
				Str("backend", name).
				Bool("host", caps.Host).
				Bool("devices", caps.Devices).
				Bool("discovery", caps.Discovery).
				Bool("notifications", caps.Notifications).
				Msg("Backend capabilities")
		}
	}
	c.caps = probed
}

// Capabilities returns the last probed capabilities of the named backend.
func (c *Chain) Capabilities(name string) Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.caps[name]
}

// Combined returns the union of all backend capabilities.
func (c *Chain) Combined() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all Capabilities
	for _, caps := range c.caps {
		all.Host = all.Host || caps.Host
		all.Devices = all.Devices || caps.Devices
		all.Discovery = all.Discovery || caps.Discovery
		all.Notifications = all.Notifications || caps.Notifications
	}

	return all
}

// Devices returns the preferred backend able to enumerate and connect to
// devices, or nil.
func (c *Chain) Devices() DeviceBackend {
	for _, b := range c.backends {
		if db, ok := b.(DeviceBackend); ok && c.Capabilities(b.Name()).Devices {
			return db
		}
	}

	return nil
}

// Notifier returns the preferred backend able to push discovery events,
// or nil.
func (c *Chain) Notifier() Notifier {
	for _, b := range c.backends {
		if n, ok := b.(Notifier); ok && c.Capabilities(b.Name()).Notifications {
			return n
		}
	}

	return nil
}

// Result is the outcome of one target in one cycle.
type Result struct {
	Backend string
	Payload telemetry.Payload
	Err     error
	// Failures holds the error of every backend that was tried and failed,
	// keyed by backend name. Unavailable backends are not listed.
	Failures map[string]error
}

// Cycle is the fallback state of one acquisition cycle. Backends that
// failed with a permission or parse error are skipped for the rest of
// the cycle and each target is read at most once.
type Cycle struct {
	chain   *Chain
	timeout time.Duration
	broken  map[string]error
	results map[telemetry.TargetID]Result
}

// NewCycle starts a fresh cycle in which every backend call gets timeout.
func (c *Chain) NewCycle(timeout time.Duration) *Cycle {
	return &Cycle{
		chain:   c,
		timeout: timeout,
		broken:  make(map[string]error),
		results: make(map[telemetry.TargetID]Result),
	}
}

// Broken returns the backends marked broken so far in this cycle.
func (cy *Cycle) Broken() map[string]error {
	return cy.broken
}

// Fetch reads target from the first backend that succeeds. Results are
// never merged across backends.
func (cy *Cycle) Fetch(ctx context.Context, target Target) Result {
	if r, ok := cy.results[target.ID]; ok {
		return r
	}

	res := Result{Failures: make(map[string]error)}

	var worst error
	for _, b := range cy.chain.backends {
		name := b.Name()
		if !cy.chain.Capabilities(name).Supports(target.Scope) {
			continue
		}
		if _, broken := cy.broken[name]; broken {
			continue
		}

		payload, err := Call(cy.chain.inflight, ctx, cy.timeout, func(ctx context.Context) (telemetry.Payload, error) {
			return b.Fetch(ctx, target)
		})
		if err == nil {
			res.Backend = name
			res.Payload = payload
			cy.results[target.ID] = res
			return res
		}

		code := classify(err)
		if code == ErrUnavailable {
			continue
		}
		if code == ErrPermissionDenied || code == ErrParseFailure {
			cy.broken[name] = err
		}

		cy.chain.log.Debug().
			Str("backend", name).
			Str("target", target.ID.String()).
			Str("error_code", string(code)).
			Err(err).
			Msg("Backend failed")

		res.Failures[name] = err
		if worst == nil || severity(code) > severity(classify(worst)) {
			worst = err
		}
		if code == ErrDeviceGone {
			break
		}
	}

	if worst == nil {
		worst = errors.New().WithData(ErrNoBackend, target.ID.String())
	}
	res.Err = worst
	cy.results[target.ID] = res

	return res
}
