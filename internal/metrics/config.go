package metrics

import (
	"net"

	"codeberg.org/mutker/battmon/internal/errors"
)

type Config struct {
	// Addr is the listen address of the /metrics endpoint.
	Addr    string
	Enabled bool
}

func DefaultConfig() Config {
	return Config{
		Enabled: false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate Addr if metrics is enabled
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errFactory.WithData(ErrInvalidAddr, c.Addr)
	}

	return nil
}
