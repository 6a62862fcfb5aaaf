package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgallego/callplane/internal/banner"
	"github.com/sgallego/callplane/internal/cdr"
	"github.com/sgallego/callplane/internal/config"
	"github.com/sgallego/callplane/internal/events"
	"github.com/sgallego/callplane/internal/logger"
	"github.com/sgallego/callplane/internal/media"
	"github.com/sgallego/callplane/internal/number"
	"github.com/sgallego/callplane/internal/registry"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	banner.Print("Callplane Call Control", []banner.ConfigLine{
		{Label: "Log level", Value: cfg.LogLevel},
		{Label: "Metrics", Value: cfg.MetricsAddr},
		{Label: "Numbers", Value: cfg.NumbersPath},
		{Label: "Media", Value: mediaMode(cfg)},
	})
	slog.Info("Starting Callplane",
		"media_remote", cfg.MediaRemote,
		"metrics", cfg.MetricsAddr,
	)

	// Provisioned numbers
	numbers, err := number.LoadFile(cfg.NumbersPath)
	if err != nil {
		slog.Warn("No numbers file, starting with an empty plan", "path", cfg.NumbersPath, "error", err)
		numbers = number.NewMemoryStore()
	}

	// Event publishing
	var publisher events.Publisher = events.NewNoopPublisher()
	if cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		p, err := events.NewNATSPublisher(natsCfg)
		if err != nil {
			return err
		}
		publisher = p
	}
	publisher = cdr.NewRecorder(publisher, cdr.NewMemoryRepository())
	defer publisher.Close()

	// Media gateway transport
	var transport media.Transport
	if cfg.MediaRemote {
		natsCfg := media.DefaultNATSConfig()
		if cfg.NATSURL != "" {
			natsCfg.URL = cfg.NATSURL
		}
		natsCfg.SubjectPrefix = cfg.MediaSubjectPrefix
		transport, err = media.NewNATSTransport(natsCfg)
		if err != nil {
			return err
		}
	} else {
		transport = media.NewLoopback(cfg.MediaEndpointPrefix, cfg.MediaDomain)
	}
	defer transport.Close()

	gateway := media.NewGateway(transport)
	if err := gateway.PowerOn(media.Config{
		Name:           "gateway-0",
		EndpointPrefix: cfg.MediaEndpointPrefix,
		Domain:         cfg.MediaDomain,
		TimeoutSeconds: cfg.MediaTimeoutSeconds,
	}); err != nil {
		return err
	}
	defer gateway.PowerOff()

	reg := registry.New(registry.Config{
		RingTimeout: time.Duration(cfg.RingTimeoutSeconds) * time.Second,
	}, gateway, number.NewResolver(numbers), publisher)

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		slog.Info("Metrics available", "addr", cfg.MetricsAddr)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return reg.Shutdown(ctx)
}

func mediaMode(cfg *config.Config) string {
	if cfg.MediaRemote {
		return "remote (" + cfg.MediaSubjectPrefix + ")"
	}
	return "loopback"
}
