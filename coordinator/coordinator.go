// Package coordinator admits and sequences component transfers across a
// fixed table of capacity-bounded devices. A single fair mutex guards all
// bookkeeping; the coordinator never runs caller-supplied prepare/perform
// callbacks itself and never blocks while holding that mutex across a
// callback — see driver.go for how the two phases are sequenced around the
// four admission gates implemented in this file.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wrale/componentfleet/obslog"
	"github.com/wrale/componentfleet/registry"
)

// Handle is an opaque token returned by the first gate of a transfer and
// threaded through the rest of that transfer's gates by the driver. It
// exists because a REMOVE's component is erased from the registry's
// lookup table at transfer start (spec: "the component has already been
// erased from the registry at transfer start") — after that point a
// ComponentID can no longer be resolved, so the remaining gates need a
// direct handle on the underlying component.
type Handle struct {
	comp *registry.Component
	kind Kind
}

// Kind reports which transfer this handle belongs to.
func (h *Handle) Kind() Kind { return h.kind }

// Coordinator owns the registry and the fair mutex serializing every
// admission decision against it.
type Coordinator struct {
	reg *registry.Registry
	fm  *fairMutex

	log     *zap.Logger
	metrics Metrics

	waitTimeout time.Duration

	// clock is a seam over time.Now so wait-duration bookkeeping and
	// admission timestamps are swappable in tests.
	clock func() time.Time

	seq uint64
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger attaches a structured logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches a Metrics sink. The default is a no-op sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithWaitTimeout bounds how long a component may sit in a device's
// Waiting queue, or wait to inherit a replacement slot, before its call
// fails with CodeInterrupted. Zero (the default) means wait indefinitely,
// subject only to ctx cancellation.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.waitTimeout = d
	}
}

// WithClock overrides the time source used for admission timestamps and
// wait-duration metrics. The default is time.Now; tests that need
// deterministic durations can substitute their own.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithDeviceNames attaches non-semantic, human-readable names to devices,
// surfaced only in Snapshot output; log fields carry device IDs, not names.
// Names for devices not present in the registry are ignored.
func WithDeviceNames(names map[DeviceID]string) Option {
	return func(c *Coordinator) {
		for id, name := range names {
			if d, ok := c.reg.Device(id); ok {
				d.Name = name
			}
		}
	}
}

// New builds a Coordinator over a fixed device table and an initial
// component placement, per registry.New's validation rules.
func New(capacities map[DeviceID]int, placement map[ComponentID]DeviceID, opts ...Option) (*Coordinator, error) {
	reg, err := registry.New(capacities, placement)
	if err != nil {
		return nil, Wrap("coordinator.New", CodeInvalidConfig, "invalid startup configuration", err)
	}

	c := &Coordinator{
		reg:     reg,
		fm:      newFairMutex(),
		log:     obslog.Nop(),
		metrics: noopMetrics{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Snapshot returns a point-in-time view of every device, for diagnostics.
// It takes the fair mutex like any other operation, so it reflects a
// consistent instant rather than a torn read.
func (co *Coordinator) Snapshot() []registry.DeviceSnapshot {
	co.fm.Lock()
	defer co.fm.Unlock()
	return co.reg.Snapshot()
}

// setupPrepare is the first gate of every transfer: it validates and
// classifies the request, then admits it — either immediately (a free or
// replaceable slot exists, or a cycle closes), or by parking the caller in
// the destination device's Waiting queue until one does.
func (co *Coordinator) setupPrepare(ctx context.Context, cid ComponentID, source, dest *DeviceID) (h *Handle, kind Kind, err error) {
	if cerr := ctx.Err(); cerr != nil {
		return nil, 0, Wrap("coordinator.setupPrepare", CodeInterrupted, "context already done before admission", cerr)
	}

	co.fm.Lock()
	sec := newSection(co.fm)
	defer sec.recoverInto(&err, co.log)

	kind, verr := classify(co.reg, request{ComponentID: cid, Source: source, Destination: dest})
	if verr != nil {
		sec.release()
		return nil, 0, verr
	}
	co.log.Debug("transfer classified", zap.String("component", string(cid)), zap.String("kind", kind.String()))

	switch kind {
	case KindRemove:
		comp, ok := co.reg.Component(cid)
		assertInvariant(ok, "setup_prepare(remove): component vanished after classification")
		comp.IsOperatedOn = true
		srcDev, ok := co.reg.Device(*source)
		assertInvariant(ok, "setup_prepare(remove): source device vanished after classification")

		srcDev.Leaving = append(srcDev.Leaving, comp)
		srcDev.Reserved--
		srcDev.TransfersInFlight++
		co.reg.RemoveComponent(cid)
		co.metrics.IncAdmitted("remove")
		co.log.Debug("remove admitted", zap.String("component", string(cid)), zap.String("device", string(*source)))

		h = &Handle{comp: comp, kind: kind}
		co.releaseToWaiter(srcDev, sec)
		return h, kind, nil

	case KindAdd:
		devID := *dest
		comp := &registry.Component{ID: cid, DestinationDevice: &devID}
		co.reg.InsertComponent(comp)
		comp.IsOperatedOn = true
		h = &Handle{comp: comp, kind: kind}
		err = co.admitArrival(ctx, comp, nil, sec)
		return h, kind, err

	default: // KindMove
		comp, ok := co.reg.Component(cid)
		assertInvariant(ok, "setup_prepare(move): component vanished after classification")
		devID := *dest
		comp.DestinationDevice = &devID
		comp.IsOperatedOn = true
		srcDev, ok := co.reg.Device(*source)
		assertInvariant(ok, "setup_prepare(move): source device vanished after classification")
		h = &Handle{comp: comp, kind: kind}
		err = co.admitArrival(ctx, comp, srcDev, sec)
		return h, kind, err
	}
}

// errRelayed is returned internally by waitForSlot when the component that
// just woke was relaying a cycle admission rather than re-checking for a
// slot; admitArrival must stop without touching the section again, since
// it has already been released or handed off as part of the relay.
var errRelayed = E("coordinator", CodeInternal, "cycle relay sentinel")

// admitArrival implements steps 2–5 of spec §4.3 for ADD and MOVE: direct
// reservation, replacement reservation, cycle admission, or else parking
// the caller until one of those becomes possible. src is nil for ADD.
func (co *Coordinator) admitArrival(ctx context.Context, comp *registry.Component, src *registry.Device, sec *section) error {
	dest, ok := co.reg.Device(*comp.DestinationDevice)
	assertInvariant(ok, "admit_arrival: destination device vanished after classification")

	for {
		if len(dest.Present) < dest.Capacity {
			comp.AdmittedAt = co.clock()
			dest.Present[comp.ID] = comp
			dest.Reserved++
			dest.TransfersInFlight++
			co.metrics.IncAdmitted(admitKind(src))
			co.log.Debug("direct reservation", zap.String("component", string(comp.ID)), zap.String("device", string(dest.ID)))
			co.admitDepart(src, comp, sec)
			return nil
		}

		if dest.Reserved < dest.Capacity {
			repl := pickOldestUnclaimedLeaving(dest)
			assertInvariant(repl != nil, "admit_arrival: reserved < capacity but no unclaimed leaving member")
			bindReplacement(comp, repl)
			comp.AdmittedAt = co.clock()
			dest.Present[comp.ID] = comp
			dest.Reserved++
			dest.TransfersInFlight++
			co.metrics.IncAdmitted(admitKind(src))
			co.log.Debug("replacement reservation", zap.String("component", string(comp.ID)), zap.String("device", string(dest.ID)), zap.String("replaces", string(repl.ID)))
			co.admitDepart(src, comp, sec)
			return nil
		}

		if src != nil {
			if path := co.detectCycle(comp); path != nil {
				co.admitCycle(path, sec)
				return nil
			}
		}

		err := co.waitForSlot(ctx, comp, dest, sec)
		if err == errRelayed {
			return nil
		}
		if err != nil {
			return err
		}
		// Woken by a plain release-to-waiter: the section is ours again
		// and the destination now has room; re-check from the top.
	}
}

func admitKind(src *registry.Device) string {
	if src == nil {
		return "add"
	}
	return "move"
}

// admitDepart finishes the source side of a MOVE admission once the
// destination reservation succeeded; for ADD (src == nil) there is no
// source side and the section is simply released. comp stays in src.Present
// even as it joins src.Leaving — it is still physically resident there
// until its own finalize-prepare runs, which is what actually removes it.
func (co *Coordinator) admitDepart(src *registry.Device, comp *registry.Component, sec *section) {
	if src == nil {
		sec.release()
		return
	}
	src.Reserved--
	src.TransfersInFlight++
	src.Leaving = append(src.Leaving, comp)
	co.releaseToWaiter(src, sec)
}

// bindReplacement records that comp will inherit repl's slot once repl
// actually vacates it, and allocates the handoff channel repl's own
// finalize-prepare step closes to let comp into perform if comp is by then
// parked in setup-perform.
func bindReplacement(comp, repl *registry.Component) {
	comp.DestinationReplacement = repl
	repl.SourceForReplacement = comp
	repl.HandoffSignal = make(chan struct{})
}

// waitForSlot parks comp in dev's Waiting queue and blocks until either a
// release-to-waiter or a cycle relay wakes it, ctx is cancelled, or
// WaitTimeout elapses. It returns errRelayed (not a user-facing error) when
// the wake was a cycle relay that the caller has already fully handled.
func (co *Coordinator) waitForSlot(ctx context.Context, comp *registry.Component, dev *registry.Device, sec *section) error {
	comp.EnqueuedSeq = co.nextSeq()
	ch := make(chan struct{})
	comp.ReservationSignal = ch
	dev.Waiting = append(dev.Waiting, comp)
	enqueuedAt := co.clock()
	co.log.Debug("enqueued", zap.String("component", string(comp.ID)), zap.String("device", string(dev.ID)), zap.Uint64("seq", comp.EnqueuedSeq))
	sec.release()

	var timeoutCh <-chan time.Time
	if co.waitTimeout > 0 {
		timer := time.NewTimer(co.waitTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		sec.reacquire()
		removeFromWaiting(dev, comp)
		co.metrics.ObserveWaitDuration(co.clock().Sub(enqueuedAt))
		co.log.Debug("woken", zap.String("component", string(comp.ID)), zap.String("device", string(dev.ID)))
		if comp.Path != nil {
			co.relayCycleFrom(comp, sec)
			return errRelayed
		}
		return nil
	case <-ctx.Done():
		return co.abortWait(comp, dev, ch, ctx.Err())
	case <-timeoutCh:
		return co.abortWait(comp, dev, ch, context.DeadlineExceeded)
	}
}

// abortWait reclaims the mutex to remove comp from the waiting queue after
// a cancellation or timeout fired. A handoff may have raced the
// cancellation and already closed ch; if so the admission is honored and
// the cancellation is ignored, since the caller is now committed.
func (co *Coordinator) abortWait(comp *registry.Component, dev *registry.Device, ch chan struct{}, cause error) error {
	co.fm.Lock()
	sec := newSection(co.fm)

	select {
	case <-ch:
		removeFromWaiting(dev, comp)
		if comp.Path != nil {
			co.relayCycleFrom(comp, sec)
			return errRelayed
		}
		sec.release()
		return nil
	default:
	}

	removeFromWaiting(dev, comp)
	sec.release()
	return Wrap("coordinator.setupPrepare", CodeInterrupted, "transfer admission interrupted while waiting for a device slot", cause)
}

// finalizePrepare is the gate MOVE and REMOVE transfers run once their
// caller-supplied prepare callback returns: it retires the component from
// its old device and, if another component is waiting to inherit that
// slot, hands off its perform-phase admission.
func (co *Coordinator) finalizePrepare(ctx context.Context, h *Handle) (err error) {
	co.fm.Lock()
	sec := newSection(co.fm)
	defer sec.recoverInto(&err, co.log)

	comp := h.comp
	old := comp.CurrentDevice
	assertInvariant(old != nil, "finalize_prepare: component has no current device")
	dev, ok := co.reg.Device(*old)
	assertInvariant(ok, "finalize_prepare: current device missing from registry")

	delete(dev.Present, comp.ID)
	removeFromLeaving(dev, comp)
	dev.TransfersInFlight--
	co.log.Debug("finalize prepare", zap.String("component", string(comp.ID)), zap.String("device", string(*old)))

	if succ := comp.SourceForReplacement; succ != nil {
		if succ.IsWaitingForReplacement {
			co.log.Debug("handoff to replacement", zap.String("component", string(comp.ID)), zap.String("successor", string(succ.ID)))
			sec.handoff(comp.HandoffSignal)
			return nil
		}
		// succ has not reached its setup_perform wait yet: drop the link so
		// it finds the slot already vacated and proceeds without waiting.
		succ.DestinationReplacement = nil
		comp.SourceForReplacement = nil
	}

	// comp has no successor waiting on its vacated slot. Note that comp's
	// own DestinationReplacement (if any) is deliberately left untouched
	// here: for a MOVE, finalize_prepare runs before setup_perform, so
	// comp may still be waiting to inherit its own predecessor's slot —
	// that link is setup_perform's to consume, not this gate's.
	sec.release()
	return nil
}

// setupPerform is the gate ADD and MOVE transfers run before their
// caller-supplied perform callback: if the component was admitted via
// replacement reservation and its predecessor's finalize-prepare has not
// run yet, it waits here for that finalize-prepare to release the slot.
func (co *Coordinator) setupPerform(ctx context.Context, h *Handle) (err error) {
	co.fm.Lock()
	sec := newSection(co.fm)
	defer sec.recoverInto(&err, co.log)

	comp := h.comp
	pred := comp.DestinationReplacement
	if pred == nil {
		sec.release()
		return nil
	}

	ch := pred.HandoffSignal
	comp.IsWaitingForReplacement = true
	sec.release()

	var timeoutCh <-chan time.Time
	if co.waitTimeout > 0 {
		timer := time.NewTimer(co.waitTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		// pred's finalize_prepare closed this without calling Unlock: the
		// section is inherited here, not re-acquired through the mutex.
		sec.reacquire()
		comp.IsWaitingForReplacement = false
		pred.SourceForReplacement = nil
		comp.DestinationReplacement = nil
		co.log.Debug("replacement slot inherited", zap.String("component", string(comp.ID)), zap.String("predecessor", string(pred.ID)))
		sec.release()
		return nil
	case <-ctx.Done():
		return co.abortReplacementWait(comp, pred, ch, ctx.Err())
	case <-timeoutCh:
		return co.abortReplacementWait(comp, pred, ch, context.DeadlineExceeded)
	}
}

// abortReplacementWait reclaims the mutex with a fresh Lock after a
// cancellation or timeout fired while waiting to inherit a replacement
// slot. pred's handoff may have raced the cancellation and already closed
// ch; if so the inheritance is honored and the cancellation is ignored.
func (co *Coordinator) abortReplacementWait(comp, pred *registry.Component, ch chan struct{}, cause error) error {
	co.fm.Lock()
	sec := newSection(co.fm)
	comp.IsWaitingForReplacement = false

	select {
	case <-ch:
		pred.SourceForReplacement = nil
		comp.DestinationReplacement = nil
		sec.release()
		return nil
	default:
	}

	sec.release()
	return Wrap("coordinator.setupPerform", CodeInterrupted, "interrupted while waiting to inherit a vacated slot", cause)
}

// finalizePerform is the last gate of every transfer: it commits the
// component's new resting state once the caller-supplied perform callback
// (ADD/MOVE) or the removal itself (REMOVE) has completed.
func (co *Coordinator) finalizePerform(ctx context.Context, h *Handle) (err error) {
	co.fm.Lock()
	sec := newSection(co.fm)
	defer sec.recoverInto(&err, co.log)

	comp := h.comp
	if h.kind != KindRemove {
		if dest, ok := co.reg.Device(*comp.DestinationDevice); ok {
			dest.TransfersInFlight--
		}
		comp.CurrentDevice = comp.DestinationDevice
	}
	co.log.Debug("finalize perform", zap.String("component", string(comp.ID)), zap.String("kind", h.kind.String()))
	comp.DestinationDevice = nil
	comp.IsOperatedOn = false

	sec.release()
	return nil
}
