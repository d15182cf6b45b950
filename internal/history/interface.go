package history

import (
	"time"

	"codeberg.org/mutker/battmon/internal/telemetry"
)

// TargetInfo summarizes what the store knows about one target.
type TargetInfo struct {
	TargetID    telemetry.TargetID
	Metadata    *telemetry.DeviceMetadata
	FirstSample time.Time
	LastSample  time.Time
	SampleCount int
}

// MetadataChange describes the effect of a metadata upsert.
type MetadataChange struct {
	Created bool
	// PreviousOSVersion is set when the OS version changed.
	PreviousOSVersion string
	Upgraded          bool
	Downgraded        bool
}

// ImportReport counts what an import did with each sample.
type ImportReport struct {
	Inserted   int
	Duplicates int
	Conflicts  int
	Invalid    int
	Devices    int
}
