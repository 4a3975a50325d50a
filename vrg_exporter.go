package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/markuslindenberg/vrg_exporter/transport"
	"github.com/markuslindenberg/vrg_exporter/vrg"
)

const (
	exporterName = "vrg_exporter"
	namespace    = "vrg"
)

func main() {
	var (
		cfg           Config
		listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface, control API and telemetry.").Default(":9624").OverrideDefaultFromEnvar("VRG_EXPORTER_LISTEN").String()
		metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
		configFile    = addFlags(kingpin.CommandLine, &cfg)
	)

	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print(exporterName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	log.Infoln("Starting", exporterName, version.Info())
	log.Infoln("Build context", version.BuildContext())

	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			log.Fatal(err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	metrics := newTransportMetrics()
	opts := []vrg.Option{
		vrg.WithUnsolicitedHandler(metrics.unsolicitedResponse),
		vrg.WithMaxUnsolicitedRetries(cfg.Settings.MaxUnsolicitedRetries),
	}
	if dial := cfg.Dialer(); dial != nil {
		opts = append(opts, vrg.WithDialer(metrics.instrument(dial)))
	}
	driver, err := vrg.New(cfg.DriverConfig(), opts...)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Enabled() {
		if err := driver.Connect(); err != nil {
			log.Errorln("Initial connection failed, controls disabled:", err)
			if cfg.Generator.Transport == "serial" {
				if ports, err := transport.Ports(); err != nil {
					log.Warnln(err)
				} else {
					log.Infoln("Available serial ports:", ports)
				}
			}
		}
	} else {
		log.Infoln("No VRG configured, controls disabled")
	}

	prometheus.MustRegister(NewExporter(driver, metrics))
	prometheus.MustRegister(version.NewCollector(exporterName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newBoard()
	p := newPoller(driver, cfg.Poll.Interval, cfg.Poll.Reconnect && cfg.Enabled())
	go p.Run(ctx)
	go b.consume(p.Readings())

	mux := http.NewServeMux()
	mux.Handle(*metricsPath, promhttp.Handler())
	mux.Handle("/", newControlHandler(driver, b, *metricsPath))
	server := &http.Server{Addr: *listenAddress, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		log.Infoln("Listening on", *listenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Infoln("Received signal", sig, "shutting down")
	case err := <-serverErr:
		log.Errorln("HTTP server failed:", err)
	}

	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorln("Error stopping HTTP server:", err)
	}
	if err := driver.Close(); err != nil {
		log.Errorln("Error closing VRG connection:", err)
	}
	log.Infoln("Shutdown complete")
}
