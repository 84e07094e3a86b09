//go:build linux

package peer

import (
	"context"
	"fmt"
	"net"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// wgController drives a real kernel WireGuard interface through wgctrl.
// Key generation never touches the kernel, so it works on any platform, but
// AddPeer/RemovePeer/Reconcile require wgctrl.New() to succeed, which in
// turn requires a WireGuard-capable kernel module and an existing
// interface brought up out of band (wg-quick or equivalent).
type wgController struct {
	iface string
}

// NewController returns the real, kernel-backed peer controller for the
// named WireGuard interface.
func NewController(iface string) Controller {
	return &wgController{iface: iface}
}

func (c *wgController) GenerateKeyPair() (string, string, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	return priv.String(), priv.PublicKey().String(), nil
}

func (c *wgController) AddPeer(_ context.Context, publicKey, clientIP string) error {
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()

	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	_, ipNet, err := net.ParseCIDR(clientIP + "/32")
	if err != nil {
		return fmt.Errorf("parse client ip: %w", err)
	}

	return client.ConfigureDevice(c.iface, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			AllowedIPs:        []net.IPNet{*ipNet},
			ReplaceAllowedIPs: true,
		}},
	})
}

func (c *wgController) RemovePeer(_ context.Context, publicKey string) error {
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()

	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	return client.ConfigureDevice(c.iface, wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: key,
			Remove:    true,
		}},
	})
}

func (c *wgController) Reconcile(_ context.Context, known map[string]bool) error {
	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(c.iface)
	if err != nil {
		return fmt.Errorf("read device %s: %w", c.iface, err)
	}

	var stale []wgtypes.PeerConfig
	for _, p := range dev.Peers {
		if !known[p.PublicKey.String()] {
			stale = append(stale, wgtypes.PeerConfig{PublicKey: p.PublicKey, Remove: true})
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return client.ConfigureDevice(c.iface, wgtypes.Config{Peers: stale})
}
