package backend

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"codeberg.org/mutker/battmon/internal/usbmux"
	"github.com/spf13/cast"
	"howett.net/plist"
)

const (
	ideviceIDCommand   = "idevice_id"
	ideviceInfoCommand = "ideviceinfo"
	diagnosticsCommand = "idevicediagnostics"
	batteryDomain      = "com.apple.mobile.battery"
	batteryRegistry    = "AppleSmartBattery"
)

// Registry keys copied from the diagnostics relay into the battery domain
// values. The battery domain alone has no capacity or cycle data.
var registryKeys = []string{
	"CycleCount",
	"DesignCapacity",
	"AppleRawMaxCapacity",
	"NominalChargeCapacity",
	"Temperature",
	"Voltage",
}

// IMobileDevice reads iOS devices through the libimobiledevice utilities
// and learns about arrivals from usbmuxd.
type IMobileDevice struct {
	runner   Runner
	listener *usbmux.Listener
	log      logger.Logger
	now      func() time.Time
}

// NewIMobileDevice returns the backend. listener may be nil, in which case
// devices are only found by scanning.
func NewIMobileDevice(runner Runner, listener *usbmux.Listener) *IMobileDevice {
	if runner == nil {
		runner = ExecRunner()
	}

	return &IMobileDevice{
		runner:   runner,
		listener: listener,
		log:      logger.Component("imobiledevice"),
		now:      time.Now,
	}
}

func (*IMobileDevice) Name() string { return "imobiledevice" }

func (b *IMobileDevice) Probe(context.Context) Capabilities {
	if _, err := b.runner.LookPath(ideviceInfoCommand); err != nil {
		return Capabilities{}
	}

	_, scanErr := b.runner.LookPath(ideviceIDCommand)

	return Capabilities{
		Devices:       true,
		Discovery:     scanErr == nil,
		Notifications: b.listener != nil && b.listener.Available(),
	}
}

// Scan lists the UDIDs of the devices currently reachable.
func (b *IMobileDevice) Scan(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, ideviceIDCommand, "-l")
	if err != nil {
		return nil, commandError(ctx, err, lockdownStderr)
	}

	var handles []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		// Network devices are listed as "<udid> (Network)".
		udid, _, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if udid == "" || seen[udid] {
			continue
		}
		seen[udid] = true
		handles = append(handles, udid)
	}

	return handles, nil
}

// Connect opens a lockdown session and reads the device's identity.
func (b *IMobileDevice) Connect(ctx context.Context, handle string) (DeviceInfo, error) {
	values, err := b.query(ctx, handle)
	if err != nil {
		return DeviceInfo{}, err
	}

	info := DeviceInfo{
		Handle:    handle,
		Serial:    cast.ToString(values["SerialNumber"]),
		Name:      cast.ToString(values["DeviceName"]),
		Model:     cast.ToString(values["ProductType"]),
		OSVersion: cast.ToString(values["ProductVersion"]),
	}
	if info.Serial == "" {
		info.Serial = cast.ToString(values["UniqueDeviceID"])
	}

	return info, nil
}

func (b *IMobileDevice) Fetch(ctx context.Context, target Target) (telemetry.Payload, error) {
	if target.Scope != ScopeDevice {
		return nil, errors.New().WithData(ErrUnavailable, target.Scope.String())
	}

	values, err := b.query(ctx, target.Handle, "-q", batteryDomain)
	if err != nil {
		return nil, err
	}
	at := b.now()

	if registry, err := b.registry(ctx, target.Handle); err != nil {
		b.log.Debug().Str("target", target.ID.String()).Err(err).Msg("Battery registry unavailable")
	} else {
		for _, key := range registryKeys {
			if _, ok := values[key]; ok {
				continue
			}
			if v, ok := registry[key]; ok {
				values[key] = v
			}
		}
	}

	return telemetry.LockdownPayload{Values: values, At: at}, nil
}

// Subscribe forwards usbmuxd notifications as discovery events.
func (b *IMobileDevice) Subscribe(ctx context.Context, emit func(DeviceEvent)) error {
	if b.listener == nil {
		return errors.New().WithData(ErrUnavailable, "no usbmuxd listener")
	}

	err := b.listener.Listen(ctx, func(ev usbmux.Event) {
		if ev.UDID == "" {
			return
		}
		kind := DeviceArrived
		if ev.Kind == usbmux.Detached {
			kind = DeviceDeparted
		}
		emit(DeviceEvent{Kind: kind, Handle: ev.UDID, At: ev.At})
	})
	if err != nil && ctx.Err() == nil {
		return errors.New().Wrap(ErrUnavailable, err)
	}

	return nil
}

func (b *IMobileDevice) query(ctx context.Context, udid string, extra ...string) (map[string]any, error) {
	args := append([]string{"-u", udid, "-x"}, extra...)

	out, err := b.runner.Run(ctx, ideviceInfoCommand, args...)
	if err != nil {
		return nil, commandError(ctx, err, lockdownStderr)
	}

	values := make(map[string]any)
	if _, err := plist.Unmarshal(out, &values); err != nil {
		return nil, errors.New().Wrap(ErrParseFailure, err)
	}

	return values, nil
}

func (b *IMobileDevice) registry(ctx context.Context, udid string) (map[string]any, error) {
	out, err := b.runner.Run(ctx, diagnosticsCommand, "-u", udid, "ioregentry", batteryRegistry)
	if err != nil {
		return nil, commandError(ctx, err, lockdownStderr)
	}

	values := make(map[string]any)
	if _, err := plist.Unmarshal(out, &values); err != nil {
		return nil, errors.New().Wrap(ErrParseFailure, err)
	}

	if nested, ok := values["IORegistry"].(map[string]any); ok {
		return nested, nil
	}

	return values, nil
}

func lockdownStderr(stderr string) errors.ErrorCode {
	switch {
	case strings.Contains(stderr, "no device found"), strings.Contains(stderr, "not found"):
		return ErrDeviceGone
	case strings.Contains(stderr, "timed out"), strings.Contains(stderr, "timeout"):
		return ErrTimeout
	case strings.Contains(stderr, "lockdownd"), strings.Contains(stderr, "pair"), strings.Contains(stderr, "password"):
		return ErrPermissionDenied
	default:
		return ""
	}
}
