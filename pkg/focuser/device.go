package focuser

// Ref identifies a focuser unit reported by a driver without claiming
// it. Path is driver specific: a serial device node, an MQTT topic
// root, a GPIO chip label.
type Ref struct {
	Name   string
	Serial string
	Path   string
}

// Device is the entry point a hardware driver exposes to the
// controller. Enumerate lists the attached units; Open claims one and
// returns a live handle. A Ref may go stale between the two calls, in
// which case Open fails.
type Device interface {
	Enumerate() ([]Ref, error)
	Open(ref Ref) (Handle, error)
}

// Handle is an open connection to a single focuser unit.
//
// Move issues a relative move and returns as soon as the device has
// accepted the command; progress must be observed through Position and
// StatusBits. A zero step move commands an immediate stop.
type Handle interface {
	Move(steps int) error
	Position() (int, error)
	// StatusBits returns the raw motor status word. The low three bits
	// are nonzero while any motor activity is in progress.
	StatusBits() (int, error)
	// MaxExtent returns the highest step position the mechanism can
	// reach. It is fixed for the lifetime of the handle.
	MaxExtent() (int, error)
	Close() error
}
