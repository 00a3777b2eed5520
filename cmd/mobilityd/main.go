package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/infrastructure-io/mobilityd/pkg/config"
	"github.com/infrastructure-io/mobilityd/pkg/dhcpclient"
	"github.com/infrastructure-io/mobilityd/pkg/gateway"
	"github.com/infrastructure-io/mobilityd/pkg/httpserver"
	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/ipmanager"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/metrics"
	"github.com/infrastructure-io/mobilityd/pkg/netif"
	"github.com/infrastructure-io/mobilityd/pkg/store"
	"github.com/infrastructure-io/mobilityd/pkg/subscriberdb"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

type options struct {
	probePort   string
	readTimeout time.Duration
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "mobilityd",
		Short:        "Allocates subscriber addresses from pools or an upstream DHCP server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.probePort, "health-probe-port", "8081", "The address the probe endpoint of the configmap watcher binds to.")
	cmd.Flags().DurationVar(&opts.readTimeout, "capture-read-timeout", 200*time.Millisecond, "Read timeout of the dhcp capture.")
	return cmd
}

func newProvider(ctx context.Context, agentConfig *config.AgentConfig) (store.Provider, func(), error) {
	if agentConfig.RedisAddr == "" {
		log.Logger.Warn("REDIS_ADDR not set, allocation state is kept in memory")
		return store.NewMemoryProvider(), func() {}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{agentConfig.RedisAddr},
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %v", agentConfig.RedisAddr, err)
	}
	log.Logger.Infof("allocation state is kept in redis %s under %s", agentConfig.RedisAddr, agentConfig.RedisPrefix)
	return store.NewRedisProvider(client, agentConfig.RedisPrefix), func() { client.Close() }, nil
}

func startEngine(ctx context.Context, agentConfig *config.AgentConfig, provider store.Provider, readTimeout time.Duration) (*dhcpclient.Engine, *gateway.Tracker, error) {
	allocation := agentConfig.Allocation

	uplink, err := netif.PrepareUplink(allocation.DhcpInterface)
	if err != nil {
		return nil, nil, err
	}
	log.Logger.Infof("dhcp uplink %s, mac %s, mtu %d", uplink.Name, uplink.MAC, uplink.MTU)

	tracker := gateway.NewTracker(provider)
	if err := tracker.Restore(ctx); err != nil {
		return nil, nil, err
	}
	if err := tracker.SeedFromHost(ctx); err != nil {
		log.Logger.Warnf("no gateway learned from the host: %v", err)
	}

	leases := dhcpclient.NewLeaseStore(provider)
	if err := leases.Restore(ctx); err != nil {
		return nil, nil, err
	}

	link, err := dhcpclient.OpenLink(uplink.Name, readTimeout)
	if err != nil {
		return nil, nil, err
	}

	engine := dhcpclient.NewEngine(dhcpclient.Config{
		RetryLimit:         *allocation.Dhcp.RetryLimit,
		RetransmitInterval: allocation.Dhcp.RetransmitInterval,
		RenewFraction:      allocation.Dhcp.RenewFraction,
		SweepInterval:      allocation.Dhcp.SweepInterval,
	}, link, leases, tracker, clock.RealClock{})
	engine.Run()
	return engine, tracker, nil
}

func startConfigMapStore(ctx context.Context, agentConfig *config.AgentConfig, probePort string) (*subscriberdb.ConfigMapStore, error) {
	// Set controller-runtime logger
	ctrl.SetLogger(zap.New())

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			// served by the http server
			BindAddress: "0",
		},
		HealthProbeBindAddress: ":" + probePort,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{agentConfig.PodNamespace: {}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create manager: %v", err)
	}

	subscribers := subscriberdb.NewConfigMapStore(mgr.GetClient(), agentConfig.PodNamespace, agentConfig.StaticIPConfigMap)
	if err := subscribers.SetupWithManager(mgr); err != nil {
		return nil, fmt.Errorf("unable to create configmap controller: %v", err)
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return nil, fmt.Errorf("unable to set up health check: %v", err)
	}

	go func() {
		log.Logger.Info("Starting manager")
		if err := mgr.Start(ctx); err != nil {
			log.Logger.Errorf("Problem running manager: %v", err)
			os.Exit(1)
		}
	}()

	if !mgr.GetCache().WaitForCacheSync(ctx) {
		return nil, fmt.Errorf("configmap cache did not sync")
	}
	if err := subscribers.Load(ctx); err != nil {
		return nil, err
	}
	return subscribers, nil
}

func run(opts *options) error {
	// Initialize logger
	logLevel := os.Getenv("LOG_LEVEL")
	log.InitStdoutLogger(logLevel)

	log.Logger.Info("Starting mobilityd")

	// Load agent configuration
	agentConfig, err := config.LoadAgentConfig()
	if err != nil {
		log.Logger.Errorf("Failed to load agent configuration: %v", err)
		return err
	}
	log.Logger.Debugf("configuration details: %+v", agentConfig)

	metrics.Register()

	// Create context that can be canceled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, closeProvider, err := newProvider(ctx, agentConfig)
	if err != nil {
		log.Logger.Errorf("Failed to open the store: %v", err)
		return err
	}
	defer closeProvider()

	descs := ipalloc.NewDescriptors(provider, clock.RealClock{})
	deps := chainDeps{provider: provider, descs: descs}

	var engine *dhcpclient.Engine
	var tracker *gateway.Tracker
	if agentConfig.Allocation.UsesDhcp() {
		engine, tracker, err = startEngine(ctx, agentConfig, provider, opts.readTimeout)
		if err != nil {
			log.Logger.Errorf("Failed to start the dhcp client: %v", err)
			return err
		}
		defer engine.Stop()
		deps.engine = engine
	}

	switch {
	case agentConfig.StaticIPFile != "":
		fileStore, err := subscriberdb.NewFileStore(agentConfig.StaticIPFile)
		if err != nil {
			log.Logger.Errorf("Failed to load static addresses: %v", err)
			return err
		}
		if err := fileStore.Run(); err != nil {
			log.Logger.Errorf("Failed to watch static addresses: %v", err)
			return err
		}
		defer fileStore.Stop()
		deps.subscribers = fileStore
	case agentConfig.StaticIPConfigMap != "":
		cmStore, err := startConfigMapStore(ctx, agentConfig, opts.probePort)
		if err != nil {
			log.Logger.Errorf("Failed to load static addresses: %v", err)
			return err
		}
		deps.subscribers = cmStore
	}

	allocators, err := buildChain(ctx, &agentConfig.Allocation, deps)
	if err != nil {
		log.Logger.Errorf("Failed to build the allocators: %v", err)
		return err
	}

	mgrOpts := []ipmanager.Option{}
	if allocators.v6 != nil {
		mgrOpts = append(mgrOpts, ipmanager.WithIPv6(allocators.v6))
	}
	if allocators.admin != nil {
		mgrOpts = append(mgrOpts, ipmanager.WithBlockAdmin(allocators.admin))
	}
	ipManager := ipmanager.New(ipmanager.Config{
		GracePeriod:     agentConfig.Allocation.Recycle.GracePeriod,
		RecycleInterval: agentConfig.Allocation.Recycle.Interval,
	}, descs, clock.RealClock{}, allocators.v4, mgrOpts...)
	ipManager.Run(ctx)

	src := httpserver.Sources{Subscribers: ipManager, Gateways: tracker}
	if engine != nil {
		src.Leases = engine.Leases()
	}
	httpServer := httpserver.NewHttpServer(agentConfig.HttpPort, src)
	httpServer.Run()
	defer httpServer.Stop()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	// Main loop - sleep and log periodically
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			table, err := ipManager.GetSubscriberIPTable(ctx)
			if err != nil {
				log.Logger.Warnf("failed to read the subscriber table: %v", err)
				continue
			}
			log.Logger.Debugf("mobilityd still running, %d active subscribers", len(table))

		case sig := <-sigChan:
			log.Logger.Infof("Received signal %v, shutting down...", sig)

			// Cancel context to stop the recycling loop and the manager
			cancel()
			return nil
		}
	}
}
