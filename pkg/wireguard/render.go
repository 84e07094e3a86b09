// Package wireguard renders the client-facing wg-quick config returned by
// the tunnel creation endpoint.
package wireguard

import (
	"fmt"
	"strings"

	"keyroute-broker/pkg/model"
)

// RenderClientConfig produces a wg-quick compatible config for the client
// side of a tunnel: its own address and private key in [Interface], the
// broker's public key and endpoint as the sole [Peer].
func RenderClientConfig(t model.Tunnel, serverPublicKey, endpoint string) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", t.ClientPrivateKey)
	fmt.Fprintf(&b, "Address = %s/24\n", t.ClientIP)
	b.WriteString("DNS = 1.1.1.1\n")
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPublicKey)
	if endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	}
	b.WriteString("AllowedIPs = 0.0.0.0/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}
