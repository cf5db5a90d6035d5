package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"flowlens/config"
	"flowlens/engine"
	"flowlens/feed"
	"flowlens/logger"
	"flowlens/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	universePath := flag.String("universe", "config/universe.yml", "Path to instrument universe file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Flowlens.Name,
		"version":     cfg.Flowlens.Version,
		"environment": env,
	}).Info("starting flowlens")

	if config.IsProductionLike(env) && !cfg.Metrics.CloudWatchEnabled {
		log.WithComponent("main").Warn("cloudwatch metrics disabled in a production-like environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	universe, err := config.LoadUniverse(*universePath)
	if err != nil {
		log.WithError(err).Error("failed to load instrument universe")
		os.Exit(1)
	}

	eng := engine.NewEngine(cfg, nil, feed.NewBootstrapper())
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	eng.OnConnectionState(func(state models.ConnectionState) {
		entry := log.WithComponent("main").WithFields(logger.Fields{
			"connection": state.Name,
			"status":     state.Status,
		})
		switch state.Status {
		case models.ConnError:
			entry.WithFields(logger.Fields{"last_error": state.LastError}).Error("connection gave up")
		case models.ConnReconnecting:
			entry.WithFields(logger.Fields{"attempts": state.ReconnectAttempts}).Warn("connection reconnecting")
		default:
			entry.Info("connection state changed")
		}
	})

	eng.OnToxicity(func(res models.ToxicityResult) {
		log.WithComponent("main").WithFields(logger.Fields{
			"symbol": res.Symbol,
			"vpin":   res.VPIN,
			"level":  res.ToxicityLevel,
		}).Info("toxicity updated")
	})

	eng.OnOFIEvent(func(ev models.OFIEvent) {
		log.WithComponent("main").WithFields(logger.Fields{
			"symbol":    ev.Symbol,
			"direction": ev.Direction,
			"magnitude": ev.Magnitude,
		}).Warn("significant order-flow event")
	})

	eng.OnDivergence(func(sig models.DivergenceSignal) {
		if sig.Type == models.DivergenceNone {
			return
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"symbol":   sig.Symbol,
			"type":     sig.Type,
			"strength": sig.Strength,
		}).Info("price/flow divergence")
	})

	if err := eng.Watch(universe.Symbols); err != nil {
		log.WithError(err).Error("failed to watch instrument universe")
		eng.Stop()
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"symbols": len(universe.Symbols),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("flowlens stopped")
}
