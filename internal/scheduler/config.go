package scheduler

import (
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
)

// DiscoveryMode selects how devices are found.
type DiscoveryMode string

const (
	// DiscoveryNotification relies on arrival and departure events and
	// falls back to polling when no backend can deliver them.
	DiscoveryNotification DiscoveryMode = "notification"
	DiscoveryPolling      DiscoveryMode = "polling"
)

const (
	defaultPollInterval   = 60 * time.Second
	defaultBackendTimeout = 10 * time.Second
	defaultRecheckCycles  = 10
	defaultDedupeSize     = 1024
)

type Config struct {
	PollInterval   time.Duration
	HostEnabled    bool
	DiscoveryMode  DiscoveryMode
	BackendTimeout time.Duration
	// CapabilityRecheckCycles re-probes backends every that many cycles.
	// Zero probes only at startup.
	CapabilityRecheckCycles int
	// RetentionDays prunes samples older than that many days. Zero keeps
	// everything.
	RetentionDays int
	DedupeSize    int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:            defaultPollInterval,
		HostEnabled:             true,
		DiscoveryMode:           DiscoveryNotification,
		BackendTimeout:          defaultBackendTimeout,
		CapabilityRecheckCycles: defaultRecheckCycles,
		DedupeSize:              defaultDedupeSize,
	}
}

func (c Config) Validate() error {
	factory := errors.New()

	if c.PollInterval <= 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "poll interval must be positive")
	}
	if c.BackendTimeout <= 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "backend timeout must be positive")
	}
	switch c.DiscoveryMode {
	case DiscoveryNotification, DiscoveryPolling:
	default:
		return factory.WithData(ErrInvalidDiscoveryMode, string(c.DiscoveryMode))
	}
	if c.CapabilityRecheckCycles < 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "capability recheck cycles must not be negative")
	}
	if c.RetentionDays < 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "retention days must not be negative")
	}
	if c.DedupeSize < 1 {
		return factory.WithMessage(errors.ErrInvalidConfig, "dedupe size must be at least 1")
	}

	return nil
}
