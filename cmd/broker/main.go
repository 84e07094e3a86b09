package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"keyroute-broker/pkg/api"
	"keyroute-broker/pkg/config"
	"keyroute-broker/pkg/discovery"
	"keyroute-broker/pkg/keeper"
	"keyroute-broker/pkg/lifecycle"
	"keyroute-broker/pkg/metering"
	"keyroute-broker/pkg/opsfeed"
	"keyroute-broker/pkg/peer"
	"keyroute-broker/pkg/registry"
)

const costPerHour = 0.10

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	reg, err := registry.New(cfg.SubnetCIDR)
	if err != nil {
		log.Fatalf("init registry: %v", err)
	}

	kpr := keeper.NewHTTPKeeper(cfg.KeeperURL, cfg.KeeperSecret, cfg.ServiceName)
	peers := peer.NewController(cfg.Iface)
	feed := opsfeed.NewHub()
	meter := metering.New(reg, kpr, feed)
	super := lifecycle.New(reg, meter, peers, feed)

	if cfg.ReconcileOnStart {
		reconcileCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := peers.Reconcile(reconcileCtx, map[string]bool{}); err != nil {
			log.Printf("startup reconcile failed: %v", err)
		}
		cancel()
	}

	deps := &api.Deps{
		Registry:        reg,
		Keeper:          kpr,
		Peers:           peers,
		Metering:        meter,
		Lifecycle:       super,
		Notifier:        feed,
		Region:          cfg.Region,
		ServerPublicKey: cfg.ServerPublicKey,
		Endpoint:        cfg.Endpoint,
		CostPerHour:     costPerHour,
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, deps)
	mux.HandleFunc("/v1/admin/stream", func(w http.ResponseWriter, r *http.Request) {
		if cfg.KeeperSecret == "" || r.Header.Get("X-Service-Secret") != cfg.KeeperSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		feed.ServeHTTP(w, r)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accrualInterval := mustParseDuration(cfg.AccrualInterval)
	deliveryInterval := mustParseDuration(cfg.DeliveryInterval)
	lifecycleInterval := mustParseDuration(cfg.LifecycleInterval)

	go meter.RunAccrualLoop(ctx, accrualInterval)
	go meter.RunDeliveryLoop(ctx, deliveryInterval, cfg.Region)
	go super.Run(ctx, lifecycleInterval)

	var deregister func()
	if registrar, err := discovery.NewRegistrar(cfg.ConsulAddr); err != nil {
		log.Printf("discovery registrar unavailable: %v", err)
	} else {
		dereg, err := registrar.Register(ctx, cfg.Region, cfg.BrokerID, listenPort(cfg.Addr))
		if err != nil {
			log.Printf("service registration failed: %v", err)
		} else {
			deregister = dereg
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("broker listening on %s region=%s broker_id=%s", cfg.Addr, cfg.Region, cfg.BrokerID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	if deregister != nil {
		deregister()
	}

	// Block new creates before the final accrual pass runs, so nothing
	// created after this point can slip past the last tick that will ever
	// bill it (the accrual/delivery loops already stopped via ctx.Done()).
	deps.Draining.Store(true)

	meter.AccrueTick(time.Now())
	meter.ShutdownDrain(context.Background(), cfg.Region, 5*time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("invalid duration %q: %v", s, err)
	}
	return d
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
