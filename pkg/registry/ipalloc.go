package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ipAllocator hands out addresses from a /24's usable range [.2, .254],
// reserving .1 for the server side. It is a bitset over the 253 usable
// offsets rather than a bare incrementing counter, so an IP already held
// by an active tunnel can never be handed out twice.
type ipAllocator struct {
	base   [4]byte
	taken  [253]bool
	cursor int
}

// ErrSubnetExhausted is returned when every address in the configured
// subnet is already assigned to an active tunnel.
var ErrSubnetExhausted = fmt.Errorf("tunnel subnet exhausted")

func newIPAllocator(cidr string) (*ipAllocator, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	a := &ipAllocator{}
	copy(a.base[:], v4)
	return a, nil
}

func (a *ipAllocator) allocate() (string, error) {
	for i := 0; i < len(a.taken); i++ {
		idx := (a.cursor + i) % len(a.taken)
		if !a.taken[idx] {
			a.taken[idx] = true
			a.cursor = (idx + 1) % len(a.taken)
			return a.addr(idx), nil
		}
	}
	return "", ErrSubnetExhausted
}

func (a *ipAllocator) release(ip string) {
	idx := a.index(ip)
	if idx >= 0 {
		a.taken[idx] = false
	}
}

// addr renders the address for bitset offset idx, where idx 0 is .2.
func (a *ipAllocator) addr(idx int) string {
	octet := idx + 2
	return fmt.Sprintf("%d.%d.%d.%d", a.base[0], a.base[1], a.base[2], octet)
}

// index maps a dotted address back to its bitset offset, or -1 if it
// doesn't belong to this subnet's usable range.
func (a *ipAllocator) index(ip string) int {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return -1
	}
	for i := 0; i < 3; i++ {
		if parts[i] != strconv.Itoa(int(a.base[i])) {
			return -1
		}
	}
	last, err := strconv.Atoi(parts[3])
	if err != nil || last < 2 || last > 254 {
		return -1
	}
	return last - 2
}
