// Package daemon runs the diverter as a foreground process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/diverter"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns the diverter, the metrics server and the PID file.
type Daemon struct {
	config     *config.Config
	configPath string
	pidFile    string
	deps       diverter.Deps

	diverter      diverter.Diverter
	metricsServer *metrics.Server // nil if metrics disabled

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopped      bool
}

// New loads the configuration. deps overrides platform integrations.
func New(configPath, pidFile string, deps diverter.Deps) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		pidFile:      pidFile,
		deps:         deps,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Config returns the effective configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Start initializes logging and metrics, then builds and starts the
// diverter. A diverter failure undoes the earlier steps.
func (d *Daemon) Start() error {
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"mode":   d.config.Mode,
		"config": d.configPath,
	}).Info("starting divert")

	if err := d.writePIDFile(); err != nil {
		return err
	}
	if err := d.startMetrics(); err != nil {
		d.cleanup()
		return err
	}

	div, err := diverter.New(d.ctx, d.config, d.deps)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("failed to create %s diverter: %w", d.config.Mode, err)
	}
	if err := div.Start(d.ctx); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to start %s diverter: %w", d.config.Mode, err)
	}
	d.diverter = div

	logger.Info("divert started")
	return nil
}

// Stop shuts the diverter down and restores the host. Safe to call twice.
func (d *Daemon) Stop() error {
	if d.stopped {
		return nil
	}
	d.stopped = true
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	var err error
	if d.diverter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = d.diverter.Stop(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).Error("diverter stopped with errors")
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	d.cleanup()
	logger.Info("divert stopped")
	return err
}

func (d *Daemon) cleanup() {
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(ctx); err != nil {
			log.GetLogger().WithError(err).Error("error stopping metrics server")
		}
		cancel()
		d.metricsServer = nil
	}
	d.cancel()
	if err := d.removePIDFile(); err != nil {
		log.GetLogger().WithError(err).Error("error removing PID file")
	}
}

// Run blocks until SIGINT, SIGTERM or TriggerShutdown, then stops.
// SIGHUP reloads the log settings.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Infof("received %s", sig)
				return d.Stop()
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}
		case <-d.shutdownChan:
			logger.Info("shutdown requested")
			return d.Stop()
		}
	}
}

// Reload re-reads the configuration and applies the log settings.
// Everything else takes effect on restart.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}
	if cfg.Mode != d.config.Mode {
		log.GetLogger().Warnf("mode change to %q requires restart", cfg.Mode)
	}
	d.config.Log = cfg.Log
	log.GetLogger().Info("configuration reloaded")
	return nil
}

// TriggerShutdown asks Run to stop.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
