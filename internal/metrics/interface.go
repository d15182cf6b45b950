package metrics

import "time"

// Recorder receives what the acquisition loop observes.
type Recorder interface {
	CycleCompleted(d time.Duration)
	CycleOverrun()
	SampleStored(target string)
	SampleDuplicate(target string)
	// AcquisitionFailed counts failed reads and writes. Callers fold
	// session-scoped targets into one label value.
	AcquisitionFailed(target, code string)
	ConnectFailed(backend, code string)
	// SessionStates replaces the per-state device session counts.
	SessionStates(counts map[string]int)
	EventsDropped(total uint64)
}
