// Package discovery registers the broker in Consul's service catalog so
// an edge router can locate a broker for a given region. Registration is
// best-effort: a broker that cannot reach Consul still serves traffic.
package discovery

import "context"

// Registrar is the capability set the rest of the broker needs: register
// once at startup, then call the returned function to deregister at
// shutdown.
type Registrar interface {
	Register(ctx context.Context, region, brokerID string, port int) (deregister func(), err error)
}
