//go:build consul

package discovery

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

const serviceName = "keyroute-broker"

// consulRegistrar registers the broker as a Consul service tagged by
// region, with an HTTP health check against /healthz.
type consulRegistrar struct {
	cli *consulapi.Client
}

// NewRegistrar returns a Consul-backed Registrar (requires build tag consul).
func NewRegistrar(addr string) (Registrar, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &consulRegistrar{cli: cli}, nil
}

func (r *consulRegistrar) Register(ctx context.Context, region, brokerID string, port int) (func(), error) {
	id := serviceName + "-" + brokerID
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    serviceName,
		Tags:    []string{"region=" + region},
		Port:    port,
		Check: &consulapi.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://127.0.0.1:%d/healthz", port),
			Interval: "10s",
			Timeout:  "2s",
		},
	}
	if err := r.cli.Agent().ServiceRegister(reg); err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	dereg := func() {
		_ = r.cli.Agent().ServiceDeregister(id)
	}
	return dereg, nil
}
