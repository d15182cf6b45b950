package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/telemetry"
	"codeberg.org/mutker/battmon/internal/trend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phone = telemetry.TargetID("device:A1")

func seededStore(t *testing.T) *history.Store {
	t.Helper()

	store, err := history.Open(context.Background(), history.Config{DBPath: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, health := range []float64{92, 91, 90} {
		inserted, err := store.InsertIfAbsent(context.Background(), telemetry.Sample{
			TargetID:      phone,
			CapturedAt:    start.AddDate(0, 0, 5*i),
			ChargePercent: 70,
			ChargeState:   telemetry.Discharging,
			HealthPercent: telemetry.Ptr(health),
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}

	return store
}

func TestPrintTrendJSON(t *testing.T) {
	store := seededStore(t)

	var buf bytes.Buffer
	require.NoError(t, printTrend(context.Background(), store, &buf, phone, "theil_sen", 80, true))

	var res trend.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &res))
	assert.Equal(t, phone, res.TargetID)
	assert.Equal(t, trend.TheilSenMethod, res.Method)
	assert.Equal(t, 3, res.Samples)
	assert.InDelta(t, -0.2, res.SlopePerDay, 1e-9)
	require.NotNil(t, res.Crossing)
	assert.WithinDuration(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *res.Crossing, time.Minute)
}

func TestPrintTrendText(t *testing.T) {
	store := seededStore(t)

	var buf bytes.Buffer
	require.NoError(t, printTrend(context.Background(), store, &buf, phone, "least-squares", 80, false))
	assert.Contains(t, buf.String(), "device:A1: 3 samples")
	assert.Contains(t, buf.String(), "reaches 80% around 2024-03-01")
}

func TestPrintTrendErrors(t *testing.T) {
	store := seededStore(t)

	err := printTrend(context.Background(), store, &bytes.Buffer{}, phone, "median", 80, false)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	err = printTrend(context.Background(), store, &bytes.Buffer{}, "device:unknown", "", 80, false)
	assert.True(t, errors.HasCode(err, trend.ErrInsufficientData))
}

func TestListTargets(t *testing.T) {
	store := seededStore(t)

	var buf bytes.Buffer
	require.NoError(t, listTargets(context.Background(), store, &buf))
	assert.Contains(t, buf.String(), "TARGET")
	assert.Contains(t, buf.String(), "device:A1")
	assert.Contains(t, buf.String(), "2024-01-01")
}

func TestPrintSummaries(t *testing.T) {
	store := seededStore(t)

	var buf bytes.Buffer
	require.NoError(t, printSummaries(context.Background(), store, &buf, phone))
	assert.Contains(t, buf.String(), "2024-01")
	assert.Contains(t, buf.String(), "91")
}

func TestExportImportRoundTrip(t *testing.T) {
	store := seededStore(t)
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, exportHistory(context.Background(), store, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// Importing into the same store only finds duplicates.
	require.NoError(t, importHistory(context.Background(), store, path))
	samples, err := store.QueryRange(context.Background(), phone, time.Unix(0, 0), time.Now())
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestResolveTarget(t *testing.T) {
	assert.Equal(t, telemetry.HostTarget(), resolveTarget("host"))
	assert.Equal(t, phone, resolveTarget("device:A1"))
}

func TestCommandsCount(t *testing.T) {
	assert.Zero(t, commands{method: "theil-sen", asJSON: true}.count())
	assert.Equal(t, 1, commands{trend: "host"}.count())
	assert.Equal(t, 2, commands{once: true, backup: true}.count())
}
