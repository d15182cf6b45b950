// Package backendtest provides a scriptable backend for tests of code that
// drives a backend chain.
package backendtest

import (
	"context"
	"sync"

	"codeberg.org/mutker/battmon/internal/backend"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

// Fake is a backend.DeviceBackend whose behavior is set by its func
// fields. Nil funcs make the corresponding call fail as unavailable.
type Fake struct {
	BackendName string
	Caps        backend.Capabilities

	FetchFunc   func(ctx context.Context, target backend.Target) (telemetry.Payload, error)
	ScanFunc    func(ctx context.Context) ([]string, error)
	ConnectFunc func(ctx context.Context, handle string) (backend.DeviceInfo, error)

	mu       sync.Mutex
	fetches  []backend.Target
	connects []string
}

func (f *Fake) Name() string { return f.BackendName }

func (f *Fake) Probe(context.Context) backend.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Caps
}

// SetCaps changes what the next Probe reports.
func (f *Fake) SetCaps(caps backend.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Caps = caps
}

func (f *Fake) Fetch(ctx context.Context, target backend.Target) (telemetry.Payload, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, target)
	fn := f.FetchFunc
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New().New(backend.ErrUnavailable)
	}

	return fn(ctx, target)
}

func (f *Fake) Scan(ctx context.Context) ([]string, error) {
	if f.ScanFunc == nil {
		return nil, nil
	}

	return f.ScanFunc(ctx)
}

func (f *Fake) Connect(ctx context.Context, handle string) (backend.DeviceInfo, error) {
	f.mu.Lock()
	f.connects = append(f.connects, handle)
	fn := f.ConnectFunc
	f.mu.Unlock()

	if fn == nil {
		return backend.DeviceInfo{Handle: handle, Serial: handle}, nil
	}

	return fn(ctx, handle)
}

// Fetches returns the targets Fetch was called with, in order.
func (f *Fake) Fetches() []backend.Target {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]backend.Target(nil), f.fetches...)
}

// Connects returns the handles Connect was called with, in order.
func (f *Fake) Connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.connects...)
}

// Returns makes every fetch encode s in the given payload kind, with the
// sample's target replaced by the fetched one.
func Returns(kind telemetry.PayloadKind, s telemetry.Sample) func(context.Context, backend.Target) (telemetry.Payload, error) {
	return func(_ context.Context, target backend.Target) (telemetry.Payload, error) {
		s.TargetID = target.ID
		return telemetry.Encode(kind, s)
	}
}

// Fails makes every fetch fail with code.
func Fails(code errors.ErrorCode) func(context.Context, backend.Target) (telemetry.Payload, error) {
	return func(context.Context, backend.Target) (telemetry.Payload, error) {
		return nil, errors.New().New(code)
	}
}

// Hangs makes every fetch block, ignoring its context, until release is
// closed.
func Hangs(release <-chan struct{}) func(context.Context, backend.Target) (telemetry.Payload, error) {
	return func(context.Context, backend.Target) (telemetry.Payload, error) {
		<-release
		return nil, errors.New().New(backend.ErrTimeout)
	}
}
