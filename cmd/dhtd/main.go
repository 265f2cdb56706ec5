package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bwrega/mldht/config"
	"github.com/bwrega/mldht/kad"
	"github.com/bwrega/mldht/nio"
	"github.com/bwrega/mldht/nodecache"
	"github.com/bwrega/mldht/observability/logging"
	telemetry "github.com/bwrega/mldht/observability/otel"
)

func main() {
	configFile := flag.String("config", "./dhtd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MLDHT_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("dhtd", env, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "dhtd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			logger.Error("telemetry init failed", slog.Any("error", err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Error("telemetry shutdown failed", slog.Any("error", err))
				}
			}()
		}
	}

	cache, err := nodecache.Open(filepath.Join(cfg.DataDir, "nodes"))
	if err != nil {
		logger.Error("open node cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer cache.Close()

	reactor, err := nio.NewManager(logger.With(slog.String("component", "nio")))
	if err != nil {
		logger.Error("create reactor", slog.Any("error", err))
		os.Exit(1)
	}
	defer reactor.Close()

	pool := nio.NewPool(cfg.WorkerThreads)
	defer pool.Stop()

	backend := newStandaloneBackend(logger, cache)
	manager, err := kad.NewServerManager(kad.ManagerConfig{
		Backend:   backend,
		Reactor:   reactor,
		Scheduler: pool,
		Throttle:  kad.NewSpamThrottle(cfg.ThrottleRate, cfg.ThrottleBurst),
		Logger:    logger.With(slog.String("component", "rpcserver")),
	})
	if err != nil {
		logger.Error("create server manager", slog.Any("error", err))
		os.Exit(1)
	}

	started := 0
	if cfg.EnableIPv4 {
		if srv, err := startServer(manager, cfg, kad.IPv4DHT); err != nil {
			logger.Error("start IPv4 server", slog.Any("error", err))
		} else {
			backend.attach(srv)
			started++
		}
	}
	if cfg.EnableIPv6 {
		if srv, err := startServer(manager, cfg, kad.IPv6DHT); err != nil {
			logger.Error("start IPv6 server", slog.Any("error", err))
		} else {
			backend.attach(srv)
			started++
		}
	}
	if started == 0 {
		logger.Error("no DHT servers started")
		os.Exit(1)
	}

	reactor.Start()
	manager.Start()

	warmStart(backend, cache, logger)

	logger.Info("dhtd running", slog.Int("servers", started), slog.Int("cached_nodes", cache.Len()))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("shutting down", slog.String("signal", sig.String()))
	manager.Stop()
}

func startServer(manager *kad.ServerManager, cfg *config.Config, t *kad.DHTType) (*kad.Server, error) {
	bindAddr := netip.IPv4Unspecified()
	if t == kad.IPv6DHT {
		bindAddr = netip.IPv6Unspecified()
	}
	if listen := strings.TrimSpace(cfg.ListenAddress); listen != "" {
		parsed, err := netip.ParseAddr(listen)
		if err != nil {
			return nil, fmt.Errorf("parse listen address %q: %w", listen, err)
		}
		if !t.Matches(parsed) {
			return nil, fmt.Errorf("listen address %s does not match %s", parsed, t.Name)
		}
		bindAddr = parsed
	}
	return manager.NewServer(netip.AddrPortFrom(bindAddr, uint16(cfg.Port)), t)
}

// warmStart pings the cached nodes so the freshly bound sockets learn
// their reachability and external address without bootstrap hosts.
func warmStart(backend *standaloneBackend, cache *nodecache.Cache, logger *slog.Logger) {
	pinged := 0
	for _, entry := range cache.Snapshot() {
		if pinged >= 32 {
			break
		}
		addr, err := netip.ParseAddrPort(entry.Addr)
		if err != nil {
			continue
		}
		if target := backend.serverForAddr(addr.Addr()); target != nil {
			target.Ping(addr)
			pinged++
		}
	}
	if pinged > 0 {
		logger.Info("warm start pings issued", slog.Int("count", pinged))
	}
}
