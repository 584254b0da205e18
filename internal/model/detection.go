package model

import "time"

// PhaseChangeDetection is emitted when the detector sees a sustained phase change
type PhaseChangeDetection struct {
	From          Phase
	To            Phase
	DetectedAt    time.Time
	ThresholdUsed float64       // magnitude threshold that was crossed
	DurationUsed  time.Duration // sustain duration that was required
	SetOrder      int           // order of the set active when detected
	Context       *SessionContext
}

// HealthTelemetry is a best-effort heart rate / calories reading forwarded to the host
type HealthTelemetry struct {
	HeartRate *int
	Calories  *float64
	Timestamp time.Time
	Phase     Phase
	SessionID string // session the reading belongs to, empty outside a session
}
