package gtpcontrol

import "firestige.xyz/otus/internal/flow"

// NodeRole classifies a GTP network element's IP address, used by the
// user-plane stage to infer packet direction (spec.md §4.E "ip role
// map"). Grounded on GTPControl::NodeFunctionality.
type NodeRole int

const (
	RoleUnknown NodeRole = iota
	RoleAccess           // SGSN-side: subscriber-facing
	RoleGateway          // GGSN-side: core-network-facing
)

func (r NodeRole) String() string {
	switch r {
	case RoleAccess:
		return "access"
	case RoleGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// Registry is the tunnel-state shared between the GTP-C control stage
// (which owns every write) and the GTP-U user-plane stage (which only
// reads). Both are owned exclusively by the data-plane thread per
// spec.md §5, so no locking is required.
type Registry struct {
	control  *flow.Store[flow.TunnelKey, *flow.Context]
	data     *flow.Store[flow.TunnelKey, *flow.Context]
	ipIndex  map[[4]byte]*flow.Context
	nodeRole map[[4]byte]NodeRole
}

// NewRegistry returns an empty registry. timeoutSecs is the inactivity
// period after which a context becomes eligible for purge (spec.md §4.E
// "Contexts without any user-plane activity for a configured timeout");
// 0 disables timeout-based eviction.
func NewRegistry(timeoutSecs int64) *Registry {
	return &Registry{
		control:  flow.NewStore[flow.TunnelKey, *flow.Context](timeoutSecs),
		data:     flow.NewStore[flow.TunnelKey, *flow.Context](timeoutSecs),
		ipIndex:  make(map[[4]byte]*flow.Context),
		nodeRole: make(map[[4]byte]NodeRole),
	}
}

// RegisterNodeRole records that ip plays role in the GTP-U direction map.
func (r *Registry) RegisterNodeRole(ip [4]byte, role NodeRole) {
	r.nodeRole[ip] = role
}

// NodeRole returns the role registered for ip, or RoleUnknown.
func (r *Registry) NodeRole(ip [4]byte) NodeRole {
	return r.nodeRole[ip]
}

// Len returns the number of data-plane endpoint bindings currently held
// (a single context with secondary activations occupies more than one),
// used for the engine's active-tunnels gauge.
func (r *Registry) Len() int {
	return r.data.Len()
}

// LookupData finds the tunnel context owning the data-plane endpoint key
// (dest-ip, teid) — the lookup the user-plane stage performs on every
// packet.
func (r *Registry) LookupData(key flow.TunnelKey) (*flow.Context, bool) {
	return r.data.Get(key)
}

// LookupIP finds the tunnel context currently bound to userIP.
func (r *Registry) LookupIP(userIP [4]byte) (*flow.Context, bool) {
	ctx, ok := r.ipIndex[userIP]
	return ctx, ok
}

// BindControl registers a control endpoint half against ctx — creation
// and response messages can arrive carrying either GSN's TEID, and PDP
// delete must be reachable from whichever half the tearing-down message
// names. Exported for internal/engine wiring and tests; the control
// stage itself is the only expected production caller.
func (r *Registry) BindControl(ep flow.Endpoint, ctx *flow.Context) {
	if ep.Set {
		r.control.Insert(ep.Key(), ctx)
	}
}

func (r *Registry) bindControl(ep flow.Endpoint, ctx *flow.Context) { r.BindControl(ep, ctx) }

func (r *Registry) unbindControl(ep flow.Endpoint) {
	if ep.Set {
		r.control.Delete(ep.Key())
	}
}

// BindData registers a data-plane endpoint against ctx, the binding the
// user-plane stage's (dest-ip, teid) lookup resolves.
func (r *Registry) BindData(ep flow.Endpoint, ctx *flow.Context) {
	if ep.Set {
		r.data.Insert(ep.Key(), ctx)
	}
}

func (r *Registry) bindData(ep flow.Endpoint, ctx *flow.Context) { r.BindData(ep, ctx) }

func (r *Registry) unbindData(ep flow.Endpoint) {
	if ep.Set {
		r.data.Delete(ep.Key())
	}
}

// lookupControl finds a context already bound under key, used to detect
// and purge a stale context occupying the same half-control key before a
// new primary is created.
func (r *Registry) lookupControl(key flow.TunnelKey) (*flow.Context, bool) {
	return r.control.Get(key)
}

// bindIP registers ctx as the owner of userIP, purging whatever context
// previously occupied that IP (spec.md §4.E "if an address collision is
// found in the user-ip index, purge the stale context").
func (r *Registry) bindIP(userIP [4]byte, ctx *flow.Context) *flow.Context {
	var stale *flow.Context
	if existing, ok := r.ipIndex[userIP]; ok && existing != ctx {
		stale = existing
	}
	r.ipIndex[userIP] = ctx
	return stale
}

func (r *Registry) unbindIP(userIP [4]byte) {
	delete(r.ipIndex, userIP)
}

// Cleanup sweeps the data-plane store for contexts inactive since before
// now (per the timeoutSecs this Registry was constructed with; 0 means
// the sweep is a no-op) and invokes onExpire once per distinct context —
// a context can occupy more than one data-plane key (primary plus
// secondary activations), so a naive per-key callback would double-fire.
// Callers typically run this from internal/output.Manager's rotation
// hook (spec.md §4.E "purged when a new output file rolls over").
func (r *Registry) Cleanup(now int64, onExpire func(*flow.Context)) int {
	seen := make(map[*flow.Context]bool)
	r.data.Cleanup(now, func(_ flow.TunnelKey, ctx *flow.Context) {
		if seen[ctx] {
			return
		}
		seen[ctx] = true
		onExpire(ctx)
	})
	return len(seen)
}

// purge removes every binding this context holds: both control halves,
// its data endpoints and their control sub-halves, and its user-ip entry.
func (r *Registry) purge(ctx *flow.Context) {
	r.unbindControl(ctx.PrimaryControl[0])
	r.unbindControl(ctx.PrimaryControl[1])
	for _, dc := range ctx.Secondary {
		r.unbindControl(dc.Control[0])
		r.unbindControl(dc.Control[1])
		r.unbindData(dc.Data[0])
		r.unbindData(dc.Data[1])
	}
	if ctx.HasUserIP {
		r.unbindIP(ctx.UserIP)
	}
}
