//go:build !consul

package discovery

import (
	"context"
	"log"
)

type noopRegistrar struct{}

// NewRegistrar returns a no-op Registrar when the consul build tag is not
// enabled, logging that discovery is disabled rather than failing startup.
func NewRegistrar(addr string) (Registrar, error) {
	log.Printf("consul discovery requested (addr=%s) but consul build tag not enabled; service registration disabled", addr)
	return &noopRegistrar{}, nil
}

func (*noopRegistrar) Register(_ context.Context, region, brokerID string, _ int) (func(), error) {
	log.Printf("discovery: would register broker %s for region %s (consul build tag not enabled)", brokerID, region)
	return func() {}, nil
}
