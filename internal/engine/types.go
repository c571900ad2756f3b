package engine

// State represents the lifecycle state of an engine instance.
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
)

// Mode is the runtime mode, decided once during load and frozen for the
// engine's lifetime.
type Mode string

const (
	ModeReal     Mode = "real"
	ModeFallback Mode = "fallback"
)

// Health is a derived classification of engine usability. It is always
// recomputed from current state and the recent error window, never stored.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Status is a read-only snapshot of an engine for diagnostics.
type Status struct {
	Loaded    bool
	ModelID   string
	State     State
	Mode      Mode
	BudgetMB  int
	LastError string
}
