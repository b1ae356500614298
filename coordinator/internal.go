package coordinator

import (
	"go.uber.org/zap"

	"github.com/wrale/componentfleet/registry"
)

// section tracks whether the calling goroutine currently owns the
// coordinator's critical section — either because it just called
// fairMutex.Lock() itself, or because it inherited ownership via a closed
// channel from a handoff. Exactly one of release/handoff/recoverInto must
// run before a gate returns; assertInvariant panics are the only path that
// can leave that undone, and recoverInto closes it out.
type section struct {
	fm   *fairMutex
	held bool
}

func newSection(fm *fairMutex) *section {
	return &section{fm: fm, held: true}
}

// release gives the section back with a plain Unlock: no specific successor
// is owed the critical section, so the fair mutex picks the next ticket.
func (s *section) release() {
	if !s.held {
		panic(internalPanic{"section released while not held"})
	}
	s.held = false
	s.fm.Unlock()
}

// handoff transfers the section directly to whichever goroutine is parked
// on ch, without going through the fair mutex's own ticket order. The
// receiver must treat itself as already holding the section.
func (s *section) handoff(ch chan struct{}) {
	if !s.held {
		panic(internalPanic{"section handed off while not held"})
	}
	s.held = false
	close(ch)
}

// reacquire marks the section held again after this goroutine woke up
// having inherited it (via a handoff close), with no corresponding Lock
// call to make.
func (s *section) reacquire() {
	s.held = true
}

// recoverInto must be the single deferred call in every gate. It converts
// an internalPanic into a returned *Error, unlocking the fair mutex first
// if the section was still held at the point of the panic. Any other panic
// value is not ours to interpret and is re-raised. log receives a Warn
// record of the breach before the panic is converted; it may be nil.
func (s *section) recoverInto(errp *error, log *zap.Logger) {
	r := recover()
	if r == nil {
		return
	}
	if s.held {
		s.held = false
		s.fm.Unlock()
	}
	if ip, ok := r.(internalPanic); ok {
		if log != nil {
			log.Warn("invariant breach", zap.String("detail", ip.msg))
		}
		*errp = E("coordinator", CodeInternal, ip.msg)
		return
	}
	panic(r)
}

// internalPanic marks a detected invariant breach: a programming error
// inside the coordinator, never a caller input problem. assertInvariant is
// the only place that constructs one.
type internalPanic struct{ msg string }

func assertInvariant(cond bool, msg string) {
	if !cond {
		panic(internalPanic{msg})
	}
}

func removeFromWaiting(dev *registry.Device, comp *registry.Component) {
	for i, w := range dev.Waiting {
		if w == comp {
			dev.Waiting = append(dev.Waiting[:i], dev.Waiting[i+1:]...)
			return
		}
	}
}

func removeFromLeaving(dev *registry.Device, comp *registry.Component) {
	for i, w := range dev.Leaving {
		if w == comp {
			dev.Leaving = append(dev.Leaving[:i], dev.Leaving[i+1:]...)
			return
		}
	}
}

// pickOldestUnclaimedLeaving returns the longest-waiting leaving member of
// dev that no other component has already bound as its replacement target,
// or nil if there is none (an invariant breach, since the caller only
// reaches here when dev.Reserved < dev.Capacity implies one exists).
func pickOldestUnclaimedLeaving(dev *registry.Device) *registry.Component {
	for _, c := range dev.Leaving {
		if c.SourceForReplacement == nil {
			return c
		}
	}
	return nil
}

// releaseToWaiter hands the section to the head of dev's waiting queue if
// one exists, otherwise performs a plain release. It never removes the
// woken component from Waiting itself — the woken goroutine does that for
// itself once it resumes, so the queue's FIFO order stays a faithful
// record of who is still parked.
func (co *Coordinator) releaseToWaiter(dev *registry.Device, sec *section) {
	if len(dev.Waiting) > 0 {
		head := dev.Waiting[0]
		sec.handoff(head.ReservationSignal)
		return
	}
	sec.release()
}

func (co *Coordinator) nextSeq() uint64 {
	co.seq++
	return co.seq
}
