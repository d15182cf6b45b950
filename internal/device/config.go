package device

import (
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
)

type Config struct {
	ConnectTimeout         time.Duration
	IdleTimeout            time.Duration
	MaxConsecutiveTimeouts int
	QueueSize              int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:         10 * time.Second,
		IdleTimeout:            10 * time.Minute,
		MaxConsecutiveTimeouts: 3,
		QueueSize:              64,
	}
}

func (c Config) Validate() error {
	factory := errors.New()

	if c.ConnectTimeout <= 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "connect timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return factory.WithMessage(errors.ErrInvalidConfig, "idle timeout must be positive")
	}
	if c.MaxConsecutiveTimeouts < 1 {
		return factory.WithMessage(errors.ErrInvalidConfig, "max consecutive timeouts must be at least 1")
	}
	if c.QueueSize < 1 {
		return factory.WithMessage(errors.ErrInvalidConfig, "event queue size must be at least 1")
	}

	return nil
}
