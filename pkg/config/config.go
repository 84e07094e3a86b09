// Package config loads broker startup configuration from flags, falling
// back to environment variables (optionally loaded from a .env file).
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds everything cmd/broker needs to start serving.
type Config struct {
	Addr              string
	Region            string
	BrokerID          string
	SubnetCIDR        string
	Iface             string
	ServerPublicKey   string
	Endpoint          string
	KeeperURL         string
	KeeperSecret      string
	ServiceName       string
	ConsulAddr        string
	ReconcileOnStart  bool
	AccrualInterval   string
	DeliveryInterval  string
	LifecycleInterval string
}

// Load parses flags, seeded by environment variables (and a .env file, if
// present).
func Load() (Config, error) {
	_ = loadDotEnv()

	var cfg Config
	flag.StringVar(&cfg.Addr, "addr", getenv("ADDR", ":3000"), "listen address")
	flag.StringVar(&cfg.Region, "region", getenv("REGION", "default"), "region identifier advertised to the keeper and discovery")
	flag.StringVar(&cfg.BrokerID, "broker-id", getenv("BROKER_ID", ""), "stable broker identifier (random hex if empty)")
	flag.StringVar(&cfg.SubnetCIDR, "subnet", getenv("SUBNET_CIDR", "10.100.0.0/24"), "client IP subnet")
	flag.StringVar(&cfg.Iface, "iface", getenv("WG_IFACE", "wg0"), "WireGuard interface name")
	flag.StringVar(&cfg.ServerPublicKey, "server-public-key", getenv("SERVER_PUBLIC_KEY", ""), "broker's own WireGuard public key, advertised to clients")
	flag.StringVar(&cfg.Endpoint, "endpoint", getenv("ENDPOINT", ""), "host:port clients dial to reach this broker's WireGuard interface")
	flag.StringVar(&cfg.KeeperURL, "keeper-url", getenv("KEEPER_URL", "http://127.0.0.1:9000"), "base URL of the identity/credit keeper service")
	flag.StringVar(&cfg.KeeperSecret, "keeper-secret", getenv("KEEPER_SECRET", ""), "shared secret authenticating outbound keeper requests")
	flag.StringVar(&cfg.ServiceName, "service-name", getenv("SERVICE_NAME", "keyroute-broker"), "service name reported to the keeper")
	flag.StringVar(&cfg.ConsulAddr, "consul-addr", getenv("CONSUL_ADDR", "127.0.0.1:8500"), "consul address for service discovery (requires build tag consul)")
	flag.BoolVar(&cfg.ReconcileOnStart, "reconcile-on-start", getenvBool("RECONCILE_ON_START", true), "remove kernel peers with no matching tunnel record at startup")
	flag.StringVar(&cfg.AccrualInterval, "accrual-interval", getenv("ACCRUAL_INTERVAL", "60s"), "interval between usage accrual ticks")
	flag.StringVar(&cfg.DeliveryInterval, "delivery-interval", getenv("DELIVERY_INTERVAL", "30s"), "interval between usage delivery attempts")
	flag.StringVar(&cfg.LifecycleInterval, "lifecycle-interval", getenv("LIFECYCLE_INTERVAL", "10s"), "interval between expiry scans")
	flag.Parse()

	if cfg.BrokerID == "" {
		id, err := randomHex(4)
		if err != nil {
			return Config{}, fmt.Errorf("generate broker id: %w", err)
		}
		cfg.BrokerID = id
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "TRUE"
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
