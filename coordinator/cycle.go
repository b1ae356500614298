package coordinator

import (
	"go.uber.org/zap"

	"github.com/wrale/componentfleet/registry"
)

// detectCycle looks for a chain of waiting components that, together with
// comp, closes a cycle through the wait-for graph: comp wants
// comp.DestinationDevice, which some waiting component x1 currently
// occupies; x1 wants x2's device; ...; until some xk wants comp's own
// current device, closing the loop. Search starts at comp's destination
// device rather than its current device, since the edge being tested is
// "who is blocking the slot comp wants", and the chain closes when someone
// wants the slot comp is about to vacate.
//
// At each device, earliestWaitingFrom prefers the longest-waiting
// candidate (by EnqueuedSeq) when more than one waiting component shares
// the same current device, so cycle admission does not reorder FIFO
// waiters among themselves any more than necessary.
//
// Returns nil if no cycle closes. On success, the returned path is
// [comp, x1, x2, ..., xk] in wait-for order.
func (co *Coordinator) detectCycle(comp *registry.Component) []*registry.Component {
	target := *comp.CurrentDevice
	visited := map[registry.DeviceID]bool{}
	cur := *comp.DestinationDevice
	path := []*registry.Component{comp}

	for {
		if visited[cur] {
			return nil
		}
		visited[cur] = true

		next := co.earliestWaitingFrom(cur)
		if next == nil {
			return nil
		}
		path = append(path, next)
		if *next.DestinationDevice == target {
			return path
		}
		cur = *next.DestinationDevice
	}
}

// earliestWaitingFrom returns the longest-waiting component, across every
// device's Waiting queue, whose CurrentDevice is dev — i.e. the component
// that would need to leave dev for dev's wait-for edge to resolve.
func (co *Coordinator) earliestWaitingFrom(dev registry.DeviceID) *registry.Component {
	var best *registry.Component
	for _, d := range co.reg.Devices() {
		for _, w := range d.Waiting {
			if w.CurrentDevice == nil || *w.CurrentDevice != dev {
				continue
			}
			if best == nil || w.EnqueuedSeq < best.EnqueuedSeq {
				best = w
			}
		}
	}
	return best
}

// admitCycle atomically admits every member of a detected cycle. Every
// member simultaneously starts leaving its current device and reserves
// its destination device via a replacement link to the predecessor whose
// slot it is inheriting — net reservation change per device is zero, so
// no device's capacity invariant is disturbed. path[0] is the calling
// goroutine's own component and needs no wake; every other member is
// currently parked in waitForSlot and is woken in turn by a relay of
// handoffs, so the whole cycle is admitted within the one critical
// section that discovered it.
func (co *Coordinator) admitCycle(path []*registry.Component, sec *section) {
	n := len(path)
	assertInvariant(n >= 2, "cycle admission with fewer than two members")

	for _, m := range path {
		dev, ok := co.reg.Device(*m.CurrentDevice)
		assertInvariant(ok, "cycle admission: member's current device missing from registry")
		dev.Leaving = append(dev.Leaving, m)
		dev.Reserved--
		dev.TransfersInFlight++
	}

	for i, m := range path {
		// path[i+1].CurrentDevice is the very slot path[i] wants (that is
		// how detectCycle chained them), so path[i+1] is who m is actually
		// waiting behind: m inherits path[i+1]'s slot, not path[i-1]'s.
		pred := path[(i+1)%n]
		bindReplacement(m, pred)

		destDev, ok := co.reg.Device(*m.DestinationDevice)
		assertInvariant(ok, "cycle admission: member's destination device missing from registry")
		m.AdmittedAt = co.clock()
		destDev.Present[m.ID] = m
		destDev.Reserved++
		destDev.TransfersInFlight++
	}

	for i := 1; i < n; i++ {
		path[i].Path = path[i+1:]
	}

	co.metrics.IncCycleAdmitted(n)
	co.log.Debug("cycle admitted", zap.Int("size", n))

	sec.handoff(path[1].ReservationSignal)
}

// relayCycleFrom continues a cycle admission's wake relay once the
// component that was just woken (comp) has removed itself from its
// device's Waiting queue. comp.Path holds the remaining chain to wake, in
// order; an empty remaining chain means comp was the last member and the
// section is released normally instead of handed off again.
func (co *Coordinator) relayCycleFrom(comp *registry.Component, sec *section) {
	rest := comp.Path
	comp.Path = nil

	if len(rest) == 0 {
		sec.release()
		return
	}
	next := rest[0]
	sec.handoff(next.ReservationSignal)
}
