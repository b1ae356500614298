package coordinator

import "github.com/wrale/componentfleet/registry"

// DeviceID and ComponentID are re-exported from registry so callers of
// this package need only import one package for the common path.
type (
	DeviceID    = registry.DeviceID
	ComponentID = registry.ComponentID
)
