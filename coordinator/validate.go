package coordinator

import "github.com/wrale/componentfleet/registry"

// Kind classifies a submitted transfer.
type Kind int

const (
	// KindAdd: source absent, destination present, component not yet in
	// the registry.
	KindAdd Kind = iota
	// KindMove: both source and destination present, component resides
	// on source.
	KindMove
	// KindRemove: destination absent, source present, component resides
	// on source.
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindMove:
		return "move"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// request is the validator's normalized view of a submitted transfer.
type request struct {
	ComponentID ComponentID
	Source      *DeviceID
	Destination *DeviceID
}

// classify validates and classifies a transfer request against the
// registry, per spec §4.2. It performs no mutation: on success it reports
// the transfer Kind; on failure it returns a typed *Error and the caller
// must not proceed to admission.
//
// Must be called with the coordinator's fair mutex held.
func classify(reg *registry.Registry, req request) (Kind, error) {
	const op = "coordinator.Validate"

	if req.Source == nil && req.Destination == nil {
		return 0, E(op, CodeIllegalTransferType, "transfer names neither a source nor a destination device")
	}

	if req.Source != nil {
		if _, ok := reg.Device(*req.Source); !ok {
			return 0, E(op, CodeDeviceDoesNotExist, "source device "+string(*req.Source)+" is not registered")
		}
	}
	if req.Destination != nil {
		if _, ok := reg.Device(*req.Destination); !ok {
			return 0, E(op, CodeDeviceDoesNotExist, "destination device "+string(*req.Destination)+" is not registered")
		}
	}

	comp, exists := reg.Component(req.ComponentID)

	if req.Source == nil {
		// ADD.
		if exists {
			return 0, E(op, CodeComponentAlreadyExists, "component "+string(req.ComponentID)+" already exists")
		}
		return KindAdd, nil
	}

	// MOVE or REMOVE: component must exist and reside on the claimed source.
	if !exists {
		return 0, E(op, CodeComponentDoesNotExist, "component "+string(req.ComponentID)+" does not exist")
	}
	if comp.CurrentDevice == nil || *req.Source != *comp.CurrentDevice {
		return 0, E(op, CodeComponentDoesNotExist, "component "+string(req.ComponentID)+" is not on device "+string(*req.Source))
	}

	if req.Destination != nil && *req.Destination == *comp.CurrentDevice {
		return 0, E(op, CodeComponentDoesNotNeedTransfer, "component "+string(req.ComponentID)+" is already on device "+string(*req.Destination))
	}

	if comp.IsOperatedOn {
		return 0, E(op, CodeComponentIsBeingOperatedOn, "component "+string(req.ComponentID)+" already has a transfer in progress")
	}

	if req.Destination == nil {
		return KindRemove, nil
	}
	return KindMove, nil
}
