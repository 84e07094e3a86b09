//go:build !linux

package peer

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// stubController tracks peers in memory instead of programming a kernel
// interface. Key generation is real (wgtypes does no kernel work), so a
// non-linux broker still hands out authentic keys; only AddPeer/RemovePeer
// are simulated.
type stubController struct {
	mu    sync.Mutex
	peers map[string]string // publicKey -> clientIP
}

// NewController returns the in-memory peer controller used on platforms
// without a kernel WireGuard interface.
func NewController(iface string) Controller {
	log.Printf("peer controller: interface %s requested but not running on linux; using in-memory stub", iface)
	return &stubController{peers: make(map[string]string)}
}

func (c *stubController) GenerateKeyPair() (string, string, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	return priv.String(), priv.PublicKey().String(), nil
}

func (c *stubController) AddPeer(_ context.Context, publicKey, clientIP string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[publicKey] = clientIP
	return nil
}

func (c *stubController) RemovePeer(_ context.Context, publicKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, publicKey)
	return nil
}

func (c *stubController) Reconcile(_ context.Context, known map[string]bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pk := range c.peers {
		if !known[pk] {
			delete(c.peers, pk)
		}
	}
	return nil
}
