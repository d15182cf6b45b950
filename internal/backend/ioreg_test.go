package backend

import (
	"context"
	"os"
	"testing"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioregLine = "ioreg -a -r -c AppleSmartBattery"

var ioregBattery = plistDoc(`<array><dict>
	<key>AppleRawMaxCapacity</key><integer>4382</integer>
	<key>CurrentCapacity</key><integer>81</integer>
	<key>CycleCount</key><integer>143</integer>
	<key>DesignCapacity</key><integer>4563</integer>
	<key>ExternalConnected</key><true/>
	<key>FullyCharged</key><false/>
	<key>IsCharging</key><true/>
	<key>MaxCapacity</key><integer>100</integer>
	<key>NominalChargeCapacity</key><integer>4490</integer>
	<key>Temperature</key><integer>3031</integer>
	<key>UpdateTime</key><integer>1709294400</integer>
	<key>Voltage</key><integer>12714</integer>
	<key>BatteryData</key><dict><key>Serial</key><string>F5D1234</string></dict>
</dict></array>`)

func TestIORegFetch(t *testing.T) {
	runner := newScriptedRunner()
	runner.outputs[ioregLine] = ioregBattery
	b := NewIOReg(runner)

	assert.Equal(t, Capabilities{Host: true}, b.Probe(context.Background()))

	p, err := b.Fetch(context.Background(), Target{ID: "host:mac", Scope: ScopeHost})
	require.NoError(t, err)
	require.Equal(t, telemetry.KindIOReg, p.Kind())

	s, err := telemetry.Decode("host:mac", p)
	require.NoError(t, err)
	assert.Equal(t, 81, s.ChargePercent)
	assert.Equal(t, telemetry.Charging, s.ChargeState)
	assert.Equal(t, 143, *s.CycleCount)
	assert.Equal(t, 4563, *s.DesignCapacity)
	assert.Equal(t, 4382, *s.CurrentCapacity)
	assert.Equal(t, 4490, *s.MaxCapacity)
	assert.Equal(t, int64(1709294400), s.CapturedAt.Unix())
	assert.InDelta(t, 12.714, *s.Voltage, 1e-9)
	assert.InDelta(t, 29.95, *s.Temperature, 1e-9)
	assert.InDelta(t, 96.03, *s.HealthPercent, 1e-9)
}

func TestIORegFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *scriptedRunner)
		code  errors.ErrorCode
	}{
		{
			name:  "no battery entry",
			setup: func(r *scriptedRunner) { r.outputs[ioregLine] = "" },
			code:  ErrUnavailable,
		},
		{
			name:  "empty array",
			setup: func(r *scriptedRunner) { r.outputs[ioregLine] = plistDoc("<array/>") },
			code:  ErrUnavailable,
		},
		{
			name:  "garbage output",
			setup: func(r *scriptedRunner) { r.outputs[ioregLine] = "+-o Root  <class IORegistryEntry>" },
			code:  ErrParseFailure,
		},
		{
			name:  "utility missing",
			setup: func(r *scriptedRunner) { r.missing[ioregCommand] = true },
			code:  ErrUnavailable,
		},
		{
			name: "not permitted",
			setup: func(r *scriptedRunner) {
				r.errs[ioregLine] = &CommandError{Name: ioregCommand, Stderr: "Operation not permitted", Err: os.ErrClosed}
			},
			code: ErrPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newScriptedRunner()
			tt.setup(runner)

			_, err := NewIOReg(runner).Fetch(context.Background(), Target{Scope: ScopeHost})
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestIORegTimeout(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs[ioregLine] = &CommandError{Name: ioregCommand, Err: context.DeadlineExceeded}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIOReg(runner).Fetch(ctx, Target{Scope: ScopeHost})
	assert.True(t, errors.HasCode(err, ErrTimeout))
}

func TestIORegProbeWithoutUtility(t *testing.T) {
	runner := newScriptedRunner()
	runner.missing[ioregCommand] = true

	assert.False(t, NewIOReg(runner).Probe(context.Background()).Available())
}
