package flow

// TunnelState is the lifecycle of a tunnel context as driven by GTP-C
// control-plane signalling (spec.md §4.E).
type TunnelState int

const (
	TunnelCreating TunnelState = iota
	TunnelUpdating
	TunnelEstablished
)

func (s TunnelState) String() string {
	switch s {
	case TunnelCreating:
		return "creating"
	case TunnelUpdating:
		return "updating"
	case TunnelEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// Endpoint is one half of a control or data connection pair: an opaque
// 32-bit tunnel identifier bound to an IPv4 address, grounded on
// original_source/src/modules/gtpcontrol/PDPConnection.h.
type Endpoint struct {
	IP   [4]byte
	TEID uint32
	Set  bool
}

// Key returns the (IP, TEID) lookup key the GTP-U user-plane stage uses
// to find this endpoint's owning tunnel (spec.md §4.E "(dest-ip, teid) is
// the key").
func (e Endpoint) Key() TunnelKey {
	return TunnelKey{IP: e.IP, TEID: e.TEID}
}

// TunnelKey is the map key a tunnel Context is stored and looked up under.
type TunnelKey struct {
	IP   [4]byte
	TEID uint32
}

// DataConnection is one data-plane sub-channel (nsapi/rab-id) of a
// tunnel, with its own pair of endpoints — a context can carry more than
// one once secondary PDP activation has taken place.
type DataConnection struct {
	SubChannel uint8
	Control    [2]Endpoint
	Data       [2]Endpoint
}

// Context is the per-subscriber tunnel state established by GTP-C
// signalling: control/data endpoint pairs, subscriber/equipment identity,
// and the session metadata needed to tag tunnelled traffic. Grounded on
// original_source/src/modules/gtpcontrol/PDPContext.h, generalised beyond
// GTP's specific IE set to the identifiers spec.md names (subscriber-id,
// equipment-id, access-point-name, radio-tech, location).
type Context struct {
	Status TunnelState

	CreatedTsSec uint32
	lastActivity uint32

	PrimaryControl [2]Endpoint
	Secondary      []DataConnection

	SubscriberID []byte
	EquipmentID  []byte
	APN          string
	RadioTech    string
	Location     string

	// UserIP is the subscriber's own inner address, assigned by the PDP
	// context (the "end user address" information element) — the key
	// the ip-index is maintained under.
	UserIP    [4]byte
	HasUserIP bool

	// AccessIP/GatewayIP record which outer IP plays which GTP-U role,
	// used by the user-plane stage to infer direction (spec.md §4.E
	// "sets the descriptor's direction from the ip role map").
	AccessIP  [4]byte
	GatewayIP [4]byte
}

// NewContext returns a tunnel context created at createdTsSec, in the
// creating state.
func NewContext(createdTsSec uint32) *Context {
	return &Context{Status: TunnelCreating, CreatedTsSec: createdTsSec, lastActivity: createdTsSec}
}

// Touch updates the context's last-user-plane-activity timestamp.
func (c *Context) Touch(tsSec uint32) {
	c.lastActivity = tsSec
}

// LastActivityUnix satisfies Timestamped.
func (c *Context) LastActivityUnix() int64 {
	return int64(c.lastActivity)
}

// IsEstablished reports whether both halves of the primary control
// connection are populated.
func (c *Context) IsEstablished() bool {
	return c.PrimaryControl[0].Set && c.PrimaryControl[1].Set
}
