package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2" // imports as package "cli"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/cryptoutils"
	"github.com/dropmesh/dropmesh/engine"
	"github.com/dropmesh/dropmesh/httpserver"
	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/lifecycle"
	"github.com/dropmesh/dropmesh/mesh"
	"github.com/dropmesh/dropmesh/storage"
)

// driftWarnThreshold is the NTP offset beyond which custody expiry
// decisions become unreliable.
const driftWarnThreshold = 5 * time.Second

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address for the ops API (livez, readyz, drain)",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address for prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "storage",
		Value: "file://dropmesh-data",
		Usage: "record store location URI (memory://, file://, s3://, vault://)",
	},
	&cli.StringFlag{
		Name:  "owner-key",
		Value: "owner.key.json",
		Usage: "path to the owner keypair file, generated if missing",
	},
	&cli.StringFlag{
		Name:    "owner-key-passphrase",
		EnvVars: []string{"DROPMESH_KEY_PASSPHRASE"},
		Usage:   "passphrase protecting the owner keypair file",
	},
	&cli.IntFlag{
		Name:  "capacity",
		Value: 8,
		Usage: "how many foreign fragments this node offers to hold",
	},
	&cli.IntFlag{
		Name:  "relay-hops",
		Value: 0,
		Usage: "route dispatched fragments through this many relays before their holder",
	},
	&cli.DurationFlag{
		Name:  "beacon-interval",
		Value: mesh.DefaultBeaconInterval,
		Usage: "capacity beacon re-advertisement interval",
	},
	&cli.DurationFlag{
		Name:  "session-timeout",
		Value: mesh.DefaultSessionTimeout,
		Usage: "per-step transfer session timeout",
	},
	&cli.StringFlag{
		Name:  "reconcile-schedule",
		Value: "@every 1m",
		Usage: "cron schedule for drop reconciliation",
	},
	&cli.StringFlag{
		Name:  "ntp-server",
		Value: "pool.ntp.org",
		Usage: "NTP server for the startup clock drift probe, empty disables",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format instead of text",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "dropnode",
		Usage: "add 'service' tag to logs",
	},
}

func main() {
	app := &cli.App{
		Name:   "dropnode",
		Usage:  "Run a dead-drop mesh node",
		Flags:  flags,
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runNode(cCtx *cli.Context) error {
	listenAddr := cCtx.String("listen-addr")
	metricsAddr := cCtx.String("metrics-addr")
	storageURI := cCtx.String("storage")
	ownerKeyPath := cCtx.String("owner-key")
	passphrase := cCtx.String("owner-key-passphrase")
	capacity := cCtx.Int("capacity")
	relayHops := cCtx.Int("relay-hops")
	beaconInterval := cCtx.Duration("beacon-interval")
	sessionTimeout := cCtx.Duration("session-timeout")
	reconcileSchedule := cCtx.String("reconcile-schedule")
	ntpServer := cCtx.String("ntp-server")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second
	enablePprof := cCtx.Bool("pprof")
	logJSON := cCtx.Bool("log-json")
	logDebug := cCtx.Bool("log-debug")
	logUID := cCtx.Bool("log-uid")
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})
	if logUID {
		logger = logger.With("uid", uuid.New().String())
	}

	if ntpServer != "" {
		offset, err := common.ProbeClockDrift(ntpServer)
		switch {
		case err != nil:
			logger.Warn("Clock drift probe failed", "server", ntpServer, "err", err)
		case offset > driftWarnThreshold || offset < -driftWarnThreshold:
			logger.Warn("Local clock drifts from NTP, custody expiry will be unreliable",
				"server", ntpServer, "offset", offset.String())
		default:
			logger.Info("Clock drift within bounds", "server", ntpServer, "offset", offset.String())
		}
	}

	ownerPub, ownerPriv, err := loadOrCreateOwnerKey(ownerKeyPath, passphrase, logger)
	if err != nil {
		logger.Error("Failed to load owner keypair", "err", err)
		return err
	}

	loc, err := interfaces.NewStoreLocation(storageURI)
	if err != nil {
		logger.Error("Invalid storage URI", "uri", storageURI, "err", err)
		return err
	}
	store, err := storage.NewStoreFactory(logger).StoreFor(loc)
	if err != nil {
		logger.Error("Failed to create record store", "uri", storageURI, "err", err)
		return err
	}
	logger.Info("Record store ready", "store", store.Name())

	srvCfg := &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		EnablePprof:              enablePprof,
		Log:                      logger,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
	srv, err := httpserver.New(srvCfg)
	if err != nil {
		logger.Error("Failed to create HTTP server", "err", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := lifecycle.NewFragmentTable()

	// In-process transport; the mesh protocol is transport-agnostic and
	// a proximity radio backend plugs in through interfaces.Transport.
	hub := mesh.NewLoopbackHub()

	meshEng, err := mesh.NewEngine(mesh.EngineConfig{
		Transport:      hub.NewTransport(),
		Table:          table,
		Store:          store,
		Log:            logger,
		Metrics:        srv.Metrics(),
		OwnerPub:       ownerPub,
		OwnerPriv:      ownerPriv,
		Capacity:       capacity,
		RelayHops:      relayHops,
		SessionTimeout: sessionTimeout,
		BeaconInterval: beaconInterval,
	})
	if err != nil {
		logger.Error("Failed to create mesh engine", "err", err)
		return err
	}
	srvCfg.OnDrain = func() { meshEng.SetDraining(true) }
	srvCfg.OnUndrain = func() { meshEng.SetDraining(false) }

	manager := lifecycle.NewManager(lifecycle.ManagerConfig{
		Table:       table,
		Store:       store,
		Log:         logger,
		Dispatcher:  meshEng,
		OpenReserve: meshEng.OpenReserve,
	})

	service, err := engine.NewService(engine.ServiceConfig{
		Manager:  manager,
		Mesh:     meshEng,
		Log:      logger,
		Metrics:  srv.Metrics(),
		OwnerPub: ownerPub,
	})
	if err != nil {
		logger.Error("Failed to create drop service", "err", err)
		return err
	}

	go func() {
		if err := meshEng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Mesh engine stopped", "err", err)
		}
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(reconcileSchedule, func() {
		service.ReconcileAll(ctx)
	}); err != nil {
		logger.Error("Invalid reconcile schedule", "schedule", reconcileSchedule, "err", err)
		return err
	}
	scheduler.Start()

	srv.RunInBackground()
	logger.Info("Node running",
		"identity", meshEng.Identity().String(),
		"capacity", capacity,
		"store", store.Name())

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	logger.Info("Shutting down")
	scheduler.Stop()
	cancel()
	srv.Shutdown()
	return nil
}

// loadOrCreateOwnerKey reads the owner keypair, generating and
// persisting a fresh one on first run.
func loadOrCreateOwnerKey(path, passphrase string, log *slog.Logger) (interfaces.NodeKey, interfaces.NodePrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		pub, priv, err := cryptoutils.LoadOwnerKey(path, []byte(passphrase))
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
		}
		log.Info("Loaded owner keypair", "path", path, "key", pub.String())
		return pub, priv, nil
	}

	pub, priv, err := cryptoutils.GenerateNodeKeypair()
	if err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
	}
	if err := cryptoutils.SaveOwnerKey(path, pub, priv, []byte(passphrase)); err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
	}
	log.Info("Generated owner keypair", "path", path, "key", pub.String())
	return pub, priv, nil
}
