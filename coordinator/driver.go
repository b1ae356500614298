package coordinator

import "context"

// Transfer describes one ADD, MOVE, or REMOVE submission.
//
// Exactly one of Source/Destination is nil for ADD (Source) and REMOVE
// (Destination); both are set for MOVE. Prepare and Perform are run on the
// calling goroutine, never while the coordinator's mutex is held; either
// may be nil, treated as an immediate no-op.
type Transfer struct {
	ComponentID ComponentID
	Source      *DeviceID
	Destination *DeviceID

	Prepare func(ctx context.Context) error
	Perform func(ctx context.Context) error
}

// Execute runs one transfer to completion: admission, prepare, the
// finalize-prepare/setup-perform handoff gates appropriate to the
// transfer's kind, perform, and finalize-perform.
//
// If Prepare returns an error, Execute still runs finalize-prepare for
// MOVE/REMOVE transfers before returning — finalize-prepare's job is
// purely to retire bookkeeping and wake a successor waiting on this
// component's vacated slot, which has nothing to do with whether the
// caller's own prepare step succeeded. Skipping it would leave that
// successor waiting forever. The spec does not define failure handling
// for the opaque prepare/perform phases; this is the chosen behavior.
func (co *Coordinator) Execute(ctx context.Context, t Transfer) error {
	h, kind, err := co.setupPrepare(ctx, t.ComponentID, t.Source, t.Destination)
	if err != nil {
		return err
	}

	prepErr := runCallback(ctx, t.Prepare)

	if kind == KindMove || kind == KindRemove {
		if ferr := co.finalizePrepare(ctx, h); ferr != nil {
			return ferr
		}
	}
	if prepErr != nil {
		return Wrap("coordinator.Execute", CodeInternal, "prepare callback failed", prepErr)
	}

	if kind != KindRemove {
		if err := co.setupPerform(ctx, h); err != nil {
			return err
		}
	}

	if err := runCallback(ctx, t.Perform); err != nil {
		return Wrap("coordinator.Execute", CodeInternal, "perform callback failed", err)
	}

	return co.finalizePerform(ctx, h)
}

func runCallback(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
