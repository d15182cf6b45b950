package backend

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
)

// DefaultPowerSupplyRoot is the sysfs class directory of the kernel
// power_supply subsystem.
const DefaultPowerSupplyRoot = "/sys/class/power_supply"

const powerSupplyPrefix = "POWER_SUPPLY_"

// PowerSupply reads the host battery straight from sysfs.
type PowerSupply struct {
	root string
	now  func() time.Time
}

func NewPowerSupply(root string) *PowerSupply {
	if root == "" {
		root = DefaultPowerSupplyRoot
	}

	return &PowerSupply{root: root, now: time.Now}
}

func (*PowerSupply) Name() string { return "powersupply" }

func (p *PowerSupply) Probe(context.Context) Capabilities {
	_, err := p.battery()
	return Capabilities{Host: err == nil}
}

func (p *PowerSupply) Fetch(ctx context.Context, target Target) (telemetry.Payload, error) {
	if target.Scope != ScopeHost {
		return nil, errors.New().WithData(ErrUnavailable, target.Scope.String())
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrTimeout, err)
	}

	dir, err := p.battery()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, "uevent"))
	switch {
	case errors.Is(err, os.ErrPermission):
		return nil, errors.New().Wrap(ErrPermissionDenied, err)
	case err != nil:
		return nil, errors.New().Wrap(ErrUnavailable, err)
	}

	props := parseUevent(raw)
	if len(props) == 0 {
		return nil, errors.New().WithData(ErrParseFailure, dir)
	}

	return telemetry.PowerSupplyPayload{Props: props, At: p.now()}, nil
}

// battery returns the first system battery in name order. Peripheral
// batteries (mice, headsets) report scope Device and are ignored.
func (p *PowerSupply) battery() (string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return "", errors.New().Wrap(ErrUnavailable, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(p.root, name)
		if attr(dir, "type") != "Battery" {
			continue
		}
		if strings.EqualFold(attr(dir, "scope"), "Device") {
			continue
		}
		return dir, nil
	}

	return "", errors.New().WithData(ErrUnavailable, "no system battery")
}

func attr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}

func parseUevent(raw []byte) map[string]string {
	props := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || !strings.HasPrefix(key, powerSupplyPrefix) {
			continue
		}
		props[key] = value
	}

	return props
}
