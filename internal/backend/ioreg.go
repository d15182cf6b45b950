package backend

import (
	"bytes"
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"howett.net/plist"
)

const (
	ioregCommand = "ioreg"
	ioregClass   = "AppleSmartBattery"
)

// IOReg reads the host battery from the I/O registry through the ioreg
// utility, asking for plist output rather than the human readable tree.
type IOReg struct {
	runner Runner
	now    func() time.Time
}

func NewIOReg(runner Runner) *IOReg {
	if runner == nil {
		runner = ExecRunner()
	}

	return &IOReg{runner: runner, now: time.Now}
}

func (*IOReg) Name() string { return "ioreg" }

func (b *IOReg) Probe(context.Context) Capabilities {
	_, err := b.runner.LookPath(ioregCommand)
	return Capabilities{Host: err == nil}
}

func (b *IOReg) Fetch(ctx context.Context, target Target) (telemetry.Payload, error) {
	if target.Scope != ScopeHost {
		return nil, errors.New().WithData(ErrUnavailable, target.Scope.String())
	}

	out, err := b.runner.Run(ctx, ioregCommand, "-a", "-r", "-c", ioregClass)
	if err != nil {
		return nil, commandError(ctx, err, ioregStderr)
	}

	props, err := parseIORegPlist(out)
	if err != nil {
		return nil, err
	}

	return telemetry.IORegPayload{Props: props, At: b.now()}, nil
}

func ioregStderr(stderr string) errors.ErrorCode {
	if strings.Contains(stderr, "not permitted") || strings.Contains(stderr, "privilege") {
		return ErrPermissionDenied
	}

	return ""
}

// parseIORegPlist returns the properties of the first matching registry
// entry. A machine without a battery prints nothing at all.
func parseIORegPlist(out []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, errors.New().WithData(ErrUnavailable, "no "+ioregClass+" entry")
	}

	var entries []map[string]any
	if _, err := plist.Unmarshal(out, &entries); err != nil {
		return nil, errors.New().Wrap(ErrParseFailure, err)
	}
	if len(entries) == 0 {
		return nil, errors.New().WithData(ErrUnavailable, "no "+ioregClass+" entry")
	}

	return entries[0], nil
}
