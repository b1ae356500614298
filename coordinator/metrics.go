package coordinator

import "time"

// Metrics is an optional observability seam for admission outcomes. The
// coordinator has no hard dependency on a metrics backend: a nil Metrics
// falls back to a no-op implementation, matching the spec's non-goal that
// the coordinator does not require a metrics deployment. Callers that do
// want Prometheus-backed counters can use componentfleet/promadapter.
type Metrics interface {
	// IncAdmitted counts one admission of the given kind ("add", "move",
	// "remove") through a direct reservation or replacement reservation.
	IncAdmitted(kind string)
	// IncCycleAdmitted counts one cycle admission of the given size
	// (number of components admitted together).
	IncCycleAdmitted(size int)
	// ObserveWaitDuration records how long a component sat in a
	// device's waiting queue before admission.
	ObserveWaitDuration(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncAdmitted(string)            {}
func (noopMetrics) IncCycleAdmitted(int)          {}
func (noopMetrics) ObserveWaitDuration(time.Duration) {}
