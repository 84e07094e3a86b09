// Package peer wraps the host's WireGuard interface: key generation and
// peer add/remove. All external WireGuard commands go through here.
package peer

import "context"

// Controller is the public contract for peer lifecycle management. After
// AddPeer returns nil, traffic from a client holding the matching private
// key and bearing the given inner IP is routed through the interface;
// after RemovePeer returns nil (or the peer was already gone), no such
// routing exists.
type Controller interface {
	GenerateKeyPair() (privateKey, publicKey string, err error)
	AddPeer(ctx context.Context, publicKey, clientIP string) error
	RemovePeer(ctx context.Context, publicKey string) error
	// Reconcile removes any kernel peer whose public key is not present
	// in known. Called once at startup to clean up orphaned peers left by
	// an unclean restart.
	Reconcile(ctx context.Context, known map[string]bool) error
}
