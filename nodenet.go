package nodenet

import (
	"fmt"
	"net"

	"github.com/lightningnetwork/nodenet/build"
	"github.com/lightningnetwork/nodenet/monitoring"
	"github.com/lightningnetwork/nodenet/signal"
	"github.com/prometheus/client_golang/prometheus"
)

// Main is the true entry point for nodenet. It runs the server until the
// interceptor requests a shutdown. This function is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit()
// is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		ndntLog.Info("Shutdown complete")
		if err := logRotator.Close(); err != nil {
			_, _ = fmt.Println("Could not close log rotator:", err)
		}
	}()

	// A critical error logged by the server requests a graceful shutdown.
	srvrLog = build.NewShutdownLogger(srvrLog, interceptor.RequestShutdown)
	subsystemLoggers["SRVR"] = srvrLog

	ndntLog.Infof("Version: %s, build=%v, logging=%v, network=%v",
		cfg.Settings().UserAgent, build.Deployment, build.LoggingType,
		cfg.ActiveNetParams.Name)

	// Open every listener before anything else so a busy port fails the
	// startup.
	listeners := make([]net.Listener, 0, len(cfg.Listeners))
	for _, addr := range cfg.Listeners {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}

			return fmt.Errorf("unable to listen on %s: %w", addr,
				err)
		}
		listeners = append(listeners, lis)
	}

	metrics := monitoring.NewHandshakeMetrics()

	serverCfg := cfg.ServerConfig()
	serverCfg.Listeners = listeners
	serverCfg.Metrics = metrics

	server, err := NewServer(serverCfg)
	if err != nil {
		for _, l := range listeners {
			_ = l.Close()
		}
		ndntLog.Errorf("Unable to create server: %v", err)

		return err
	}

	if cfg.Prometheus.Enabled() {
		collectors := append(
			[]prometheus.Collector{
				monitoring.NewChannelCollector(server),
			},
			metrics.Collectors()...,
		)
		err := monitoring.ExportPrometheusMetrics(
			&cfg.Prometheus, collectors...,
		)
		if err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
	}

	if err := server.Start(); err != nil {
		ndntLog.Errorf("Unable to start server: %v", err)
		_ = server.Stop()

		return err
	}
	defer func() {
		ndntLog.Info("Gracefully shutting down the server...")
		_ = server.Stop()
	}()

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}
