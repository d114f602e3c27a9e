// Package main runs the mesh_mapper detection server.
//
// mesh_mapper reads drone detections from serial-attached receivers and a
// NATS subject, fuses them into one record per aircraft, attaches cached FAA
// registry data and relays the picture to a TAK server as CoT events.
//
// Usage:
//
//	mesh_mapper [options]
//
// Options:
//
//	-config PATH        YAML config file (env: MESH_CONFIG)
//	-env PATH           .env file loaded before the environment (default: .env)
//	-serial PORTS       Comma-separated serial ports (env: MESH_SERIAL_PORTS)
//	-baud N             Serial baud rate (default: 115200, env: MESH_SERIAL_BAUD)
//	-nats-url URL       NATS server for the network feed (env: MESH_NATS_URL)
//	-nats-subject SUBJ  NATS subject carrying detection frames
//	-sqlite PATH        Registry log and alias database (env: MESH_SQLITE_PATH)
//	-port N             HTTP port (env: MESH_API_PORT)
//	-auth               Enable API key authentication
//	-api-keys KEYS      Comma-separated list of valid API keys
//	-relay-host HOST    Enable the CoT relay to HOST (env: MESH_RELAY_HOST)
//	-relay-mode MODE    tls, tcp, udp or multicast
//	-relay-port N       Relay port
//	-bundle PATH        PKCS#12 identity bundle for tls mode
//	-log-level LEVEL    debug, info, warn or error
//
// API Endpoints:
//
//	GET    /api/v1/health
//	GET    /metrics
//	GET    /api/v1/detections
//	POST   /api/v1/detections
//	GET    /api/v1/detections/history?offset=N&limit=N
//	GET    /api/v1/paths
//	POST   /api/v1/reactivate/{id}
//	GET    /api/v1/aliases
//	POST   /api/v1/aliases
//	DELETE /api/v1/aliases/{id}
//	POST   /api/v1/registry/query
//	GET    /api/v1/feeds
//	GET    /api/v1/relay
//	GET    /api/v1/ports
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"mesh_mapper/internal/api"
	"mesh_mapper/internal/config"
	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/housekeeping"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
	"mesh_mapper/internal/pipeline"
	"mesh_mapper/internal/registry"
	"mesh_mapper/internal/relay"
	"mesh_mapper/internal/source"
	"mesh_mapper/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("MESH_CONFIG"), "YAML config file")
	envPath := flag.String("env", ".env", ".env file to load")
	serialPorts := flag.String("serial", "", "Comma-separated serial ports")
	baud := flag.Int("baud", 0, "Serial baud rate")
	natsURL := flag.String("nats-url", "", "NATS server URL")
	natsSubject := flag.String("nats-subject", "", "NATS subject")
	sqlitePath := flag.String("sqlite", "", "SQLite database path")
	port := flag.Int("port", 0, "HTTP port for API server")
	authEnabled := flag.Bool("auth", false, "Enable API key authentication")
	apiKeys := flag.String("api-keys", "", "Comma-separated list of valid API keys (when auth enabled)")
	relayHost := flag.String("relay-host", "", "CoT relay host")
	relayMode := flag.String("relay-mode", "", "CoT relay mode: tls, tcp, udp, multicast")
	relayPort := flag.Int("relay-port", 0, "CoT relay port")
	bundle := flag.String("bundle", "", "PKCS#12 identity bundle for the tls relay")
	logLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envPath, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	// Flags win over file and environment.
	if *serialPorts != "" {
		cfg.Serial = nil
		for _, p := range strings.Split(*serialPorts, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Serial = append(cfg.Serial, config.SerialFeed{Port: p, BaudRate: source.DefaultBaudRate})
			}
		}
	}
	if *baud > 0 {
		for i := range cfg.Serial {
			cfg.Serial[i].BaudRate = *baud
		}
	}
	setString(&cfg.NATS.URL, *natsURL)
	setString(&cfg.NATS.Subject, *natsSubject)
	setString(&cfg.SQLite, *sqlitePath)
	setInt(&cfg.API.Port, *port)
	if *authEnabled {
		cfg.API.AuthEnabled = true
	}
	if *apiKeys != "" {
		cfg.API.APIKeys = nil
		for _, k := range strings.Split(*apiKeys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.API.APIKeys = append(cfg.API.APIKeys, k)
			}
		}
	}
	if *relayHost != "" {
		cfg.Relay.Enabled = true
		cfg.Relay.Host = *relayHost
	}
	setString(&cfg.Relay.Mode, *relayMode)
	setInt(&cfg.Relay.Port, *relayPort)
	setString(&cfg.Relay.BundlePath, *bundle)
	setString(&cfg.Log.Level, *logLevel)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mesh_mapper stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	db, err := storage.Open(cfg.SQLite)
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := registry.NewCache(ctx, db)
	if err != nil {
		return err
	}
	aliases, err := storage.NewAliases(ctx, db)
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	logger.Info("state loaded", "registry_entries", cache.Len(), "aliases", len(aliases.All()))

	storeOpts := []detection.Option{
		detection.WithMaxHistory(cfg.Detect.MaxHistory),
		detection.WithLogger(logger),
	}
	var sinks *storage.HistorySinks
	if st := cfg.History.Storage(); st.Postgres != nil || st.ClickHouse != nil {
		sinks, err = storage.OpenHistorySinks(ctx, st, logger, m)
		if err != nil {
			logger.Error("history sinks disabled", "error", err)
			sinks = nil
		} else {
			defer sinks.Close()
			storeOpts = append(storeOpts, detection.WithHistorySink(sinks.Sink()))
		}
	}
	store := detection.NewStore(storeOpts...)

	lookup := registry.NewLookupService(cache, store, registry.NewClient(cfg.Registry.Client(), logger), logger, m)

	var (
		sender relay.Sender
		client *relay.Client
	)
	if cfg.Relay.Enabled {
		transport, err := relay.NewTransport(cfg.Relay)
		var cfgErr *relay.ConfigError
		switch {
		case errors.As(err, &cfgErr):
			logger.Error("relay disabled", "field", cfgErr.Field, "error", cfgErr.Err)
		case err != nil:
			logger.Error("relay disabled", "error", err)
		default:
			client = relay.NewClient(transport, relay.ClientConfig{
				InitialInterval: cfg.Relay.InitialInterval,
				MaxInterval:     cfg.Relay.MaxInterval,
			}, logger, m)
			defer client.Close()
			sender = client
		}
	}
	publisher := relay.NewService(sender, cfg.Detect.StaleAfter, cfg.Relay.QueueSize, logger, m,
		relay.WithCallsigns(aliases))

	pipe := pipeline.New(store, lookup, publisher, logger, m)

	var readers []*source.Reader
	readerOpts := []source.ReaderOption{
		source.WithReconnectDelay(cfg.Detect.ReconnectDelay),
		source.WithReaderLogger(logger),
		source.WithReaderMetrics(m),
	}
	for _, s := range cfg.Serial {
		readers = append(readers, source.NewReader(source.SerialOpener{Port: s.Port, BaudRate: s.BaudRate}, pipe.Handler(), readerOpts...))
	}
	if cfg.NATS.URL != "" {
		readers = append(readers, source.NewReader(source.NATSOpener{
			URL:        cfg.NATS.URL,
			Subject:    cfg.NATS.Subject,
			ClientName: "mesh_mapper",
			Timeout:    cfg.NATS.Timeout,
		}, pipe.Handler(), readerOpts...))
	}
	if len(readers) == 0 {
		logger.Warn("no feeds configured, accepting detections over HTTP only")
	}
	feeds := func() []source.Status {
		out := make([]source.Status, 0, len(readers))
		for _, r := range readers {
			out = append(out, r.Status())
		}
		return out
	}

	relayStatus := func() api.RelayStatus {
		if client == nil {
			return api.RelayStatus{State: "disabled"}
		}
		return api.RelayStatus{Enabled: true, State: client.State().String(), Target: cfg.Relay.Addr()}
	}

	server := api.NewServer(api.Deps{
		Detections:  store,
		Ingester:    pipe,
		Aliases:     aliases,
		Registry:    lookup,
		Feeds:       feeds,
		Relay:       relayStatus,
		Metrics:     m.Handler(),
		SerialPorts: source.ListSerialPorts,
	}, api.Config{
		Port:        cfg.API.Port,
		AuthEnabled: cfg.API.AuthEnabled,
		APIKeys:     cfg.API.APIKeys,
	}, logger)

	jobs := housekeeping.New(store, feeds, housekeeping.Config{
		StaleAfter:     cfg.Detect.StaleAfter,
		EvictInterval:  cfg.Detect.EvictInterval,
		StatusInterval: cfg.Detect.StatusInterval,
	}, logger, m)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	for _, r := range readers {
		goRun(func() { r.Run(ctx) })
	}
	if client != nil {
		goRun(func() {
			if err := client.Run(ctx); err != nil {
				logger.Error("relay connect loop stopped", "error", err)
			}
		})
		goRun(func() { publisher.Run(ctx) })
	}
	if sinks != nil {
		goRun(func() { sinks.Run(ctx) })
	}
	goRun(func() {
		if err := jobs.Start(ctx); err != nil {
			logger.Error("housekeeping stopped", "error", err)
		}
	})

	logger.Info("mesh_mapper started",
		"feeds", len(readers),
		"relay", cfg.Relay.Enabled && client != nil,
		"stale_after", cfg.Detect.StaleAfter,
	)

	err = server.Run(ctx)
	cancel()
	if client != nil {
		_ = client.Close()
	}
	wg.Wait()
	logger.Info("mesh_mapper stopped")
	return err
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
