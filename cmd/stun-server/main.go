// Command stun-server runs a reference RFC 5389 BINDING server on UDP
// and, when a TCP listen address is configured, on TCP (the default
// configuration listens on UDP only), optionally loading its
// retransmission/listen configuration
// from a YAML file and exposing Prometheus metrics over HTTP.
package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localrivet/gostun/binding"
	"github.com/localrivet/gostun/config"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/metrics"
	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/stunserver"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("stun-server: %v", err)
		}
		cfg = *loaded
	}

	logger := logx.NewLogger(logx.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "gostun")

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("stun-server: metrics listener exited: %v", err)
			}
		}()
		logger.Info("stun-server: serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	handler := binding.New()
	listenCfg := stunserver.ListenConfig{
		Retransmit: cfg.RetransmitConfig(),
		Logger:     logger,
		Metrics:    m,
		Codec:      &stun.Codec{VerifyFingerprint: true},
	}

	var opts []stunserver.Option
	if cfg.Software != "" {
		opts = append(opts, stunserver.WithSoftware(cfg.Software))
	}

	if cfg.UDPListenAddr != "" {
		udpSrv, err := stunserver.ListenUDP(cfg.UDPListenAddr, handler, listenCfg, opts...)
		if err != nil {
			log.Fatalf("stun-server: udp listen: %v", err)
		}
		defer udpSrv.Finish(0)
		logger.Info("stun-server: listening on udp %s", cfg.UDPListenAddr)
	}

	if cfg.TCPListenAddr != "" {
		tcpSrv, err := stunserver.ListenTCP(cfg.TCPListenAddr, handler, listenCfg, opts...)
		if err != nil {
			log.Fatalf("stun-server: tcp listen: %v", err)
		}
		defer tcpSrv.Close()
		logger.Info("stun-server: listening on tcp %s", cfg.TCPListenAddr)
	}

	select {} // run until killed
}
