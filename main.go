package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshledger/config"
	"meshledger/connectivity"
	"meshledger/coordinator"
	"meshledger/crypto"
	"meshledger/discovery"
	"meshledger/keystore"
	"meshledger/ledger"
	"meshledger/logging"
	"meshledger/merkle"
	"meshledger/metrics"
	"meshledger/models"
	"meshledger/queue"
	"meshledger/statusapi"
	"meshledger/storage"
	"meshledger/syncproto"
	"meshledger/transport"
	"meshledger/transport/wifidirect"
)

const (
	serviceName     = "meshledger"
	powerSupplyRoot = "/sys/class/power_supply"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	logger, logCloser := logging.Setup(serviceName, os.Getenv("MESHLEDGER_ENV"), logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  policy.Log.MaxSizeMB,
		MaxBackups: policy.Log.MaxBackups,
		MaxAgeDays: policy.Log.MaxAgeDays,
		Level:      cfg.LogLevel,
	})
	defer logCloser.Close()

	keys, err := keystore.OpenFileKeyStore(cfg.KeysDir)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	fingerprint := crypto.KeyFingerprint(keys.PublicKey())
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}
	cryptoSvc, err := crypto.NewService(keys)
	if err != nil {
		return fmt.Errorf("init crypto: %w", err)
	}

	store, dbPath, err := storage.Open(cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}()
	store.SetSecurityEventRetention(policy.Log.SecurityEventRetention.Duration)
	store.SetTombstoneRetention(policy.Sync.TombstoneRetention.Duration)

	m := metrics.New()
	q, err := queue.Open(store, cryptoSvc, merkle.NewVerifier(), queue.Options{
		DeviceID:       cfg.DeviceID,
		Capacity:       policy.Sync.Capacity,
		ConflictWindow: policy.Sync.ConflictWindow.Duration,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	for _, text := range policy.Sync.TrustedRoots {
		root, err := models.ParseHash(text)
		if err != nil {
			return fmt.Errorf("trusted root %q: %w", text, err)
		}
		if err := q.TrustRoot(root, "operator"); err != nil {
			return fmt.Errorf("trust root %s: %w", text, err)
		}
	}

	protocol, err := syncproto.New(q, cryptoSvc, syncproto.Options{
		DeviceID:   cfg.DeviceID,
		BatchSize:  policy.Sync.BatchSize,
		MaxBatches: policy.Sync.MaxBatches,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init sync protocol: %w", err)
	}

	logger.Info("device ready",
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"fingerprint", crypto.FormatFingerprint(cfg.KeyFingerprint),
		"config", cfgPath,
		"database", dbPath,
		"queued", q.Len(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := connectivity.NewMonitor(connectivity.Options{
		MinRSSI:    policy.Thresholds.MinRSSI,
		MinBattery: policy.Thresholds.MinBatteryPercent,
		Logger:     logger,
	})

	var ledgerClient coordinator.Ledger
	probe := func(context.Context) (bool, bool) { return false, false }
	if policy.Ledger.URL != "" {
		client, err := ledger.New(ledger.Options{
			BaseURL:        policy.Ledger.URL,
			Timeout:        policy.Ledger.Timeout.Duration,
			RatePerSecond:  policy.Ledger.RatePerSecond,
			Burst:          policy.Ledger.Burst,
			BreakerTrips:   policy.Ledger.BreakerTrips,
			BreakerTimeout: policy.Ledger.BreakerTimeout.Duration,
			Metrics:        m,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("init ledger client: %w", err)
		}
		ledgerClient = client
		metered := policy.Ledger.Metered
		probe = func(ctx context.Context) (bool, bool) {
			return client.Reachable(ctx), metered
		}
	} else {
		logger.Info("no ledger configured; running mesh-only")
	}

	adapters, closeAdapters, err := startAdapters(ctx, cfg, policy, logger)
	if err != nil {
		return err
	}
	defer closeAdapters()

	coord, err := coordinator.New(q, ledgerClient, protocol, monitor, adapters, coordinator.Options{
		Interval:           policy.Sync.Interval.Duration,
		Backoff:            policy.BackoffSchedule(),
		MeteredSubmitLimit: policy.Ledger.MeteredSubmitLimit,
		DiscoveryTimeouts: map[models.TransportKind]time.Duration{
			models.TransportBLE:        policy.BLE.DiscoveryTimeout.Duration,
			models.TransportWifiDirect: policy.WifiDirect.DiscoveryTimeout.Duration,
		},
		SessionTimeout: policy.Sync.SessionTimeout.Duration,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}

	api := statusapi.New(q, coord, store, m, logger)
	server := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.StatusAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.StatusAddr, err)
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// The alert channel lives as long as the process.
	go api.CollectAlerts(coord.Alerts())
	spawn(func() {
		monitor.Watch(ctx, policy.Ledger.ProbeInterval.Duration, probe, connectivity.SysfsBattery(powerSupplyRoot))
	})
	spawn(func() { coord.Serve(ctx) })
	spawn(func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator stopped", "error", err)
		}
	})
	spawn(func() {
		logger.Info("status api listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status api stopped", "error", err)
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status api shutdown", "error", err)
	}
	closeAdapters()
	wg.Wait()
	return nil
}

// startAdapters brings up every enabled transport. A transport that cannot
// start is logged and skipped so the node still serves the other one.
func startAdapters(ctx context.Context, cfg *config.DeviceConfig, policy config.Policy, logger *slog.Logger) ([]transport.Adapter, func(), error) {
	var (
		adapters []transport.Adapter
		closers  []func()
		once     sync.Once
	)
	closeAll := func() {
		once.Do(func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		})
	}

	if policy.BLE.Enabled {
		// Desktop hosts expose no GATT peripheral role; mobile builds supply a ble.Bridge.
		logger.Info("ble transport unavailable on this host")
	}

	if policy.WifiDirect.Enabled {
		ifaces, err := resolveInterfaces(policy.WifiDirect.Interfaces)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		discoveryCfg := discovery.Config{
			SelfDeviceID:   cfg.DeviceID,
			DeviceName:     cfg.DeviceName,
			KeyFingerprint: cfg.KeyFingerprint,
			ScanTimeout:    policy.WifiDirect.DiscoveryTimeout.Duration,
			Interfaces:     ifaces,
		}
		scanner, err := discovery.NewScanner(discoveryCfg)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init peer scanner: %w", err)
		}
		adapter, err := wifidirect.NewAdapter(wifidirect.LANGroup{}, scanner, wifidirect.Options{
			Channel:          policy.WifiDirect.Channel,
			Passphrase:       policy.WifiDirect.Passphrase,
			Port:             policy.WifiDirect.Port,
			ConnectTimeout:   policy.WifiDirect.ConnectTimeout.Duration,
			ReceiveTimeout:   policy.Sync.ReceiveTimeout.Duration,
			DiscoveryTimeout: policy.WifiDirect.DiscoveryTimeout.Duration,
			Advertise: func(port int) (func(), error) {
				advertised := discoveryCfg
				advertised.ListeningPort = port
				broadcaster, err := discovery.StartBroadcaster(advertised)
				if err != nil {
					return nil, err
				}
				return broadcaster.Stop, nil
			},
			Logger: logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init wifi direct adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			logger.Warn("wifi direct transport unavailable", "error", err)
		} else {
			logger.Info("wifi direct transport started", "addr", adapter.Addr().String())
			adapters = append(adapters, adapter)
			closers = append(closers, func() {
				if err := adapter.Close(); err != nil {
					logger.Warn("wifi direct close", "error", err)
				}
			})
		}
	}

	if len(adapters) == 0 {
		logger.Warn("no mesh transport available; ledger sync only")
	}
	return adapters, closeAll, nil
}

func resolveInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ifaces := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("resolve interface %q: %w", name, err)
		}
		ifaces = append(ifaces, *iface)
	}
	return ifaces, nil
}
