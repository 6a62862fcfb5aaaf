// Package config loads the control plane configuration from flags and
// environment variables, with an optional .env file for development.
package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the control plane configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// MetricsAddr is the listen address of the metrics endpoint. Empty
	// disables it.
	MetricsAddr string

	// NumbersPath points at the provisioned-numbers JSON file.
	NumbersPath string

	// NATSURL is the broker for events and, when MediaRemote is set, for
	// gateway commands. Empty disables event publishing.
	NATSURL string

	// MediaRemote selects the broker-backed gateway transport instead of
	// the in-process one.
	MediaRemote bool

	// MediaSubjectPrefix prefixes gateway command subjects.
	MediaSubjectPrefix string

	// MediaTimeoutSeconds is the gateway dead-peer window.
	MediaTimeoutSeconds int

	// MediaEndpointPrefix is the first segment of pooled endpoint names.
	MediaEndpointPrefix string

	// MediaDomain is the gateway domain endpoint names are scoped to.
	MediaDomain string

	// RingTimeoutSeconds bounds how long a dialed call may ring
	// unanswered before it terminates as no-answer.
	RingTimeoutSeconds int
}

// Load reads configuration from command line flags and environment
// variables. A .env file in the working directory is applied first, so
// both flags and the real environment override it.
func Load() *Config {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}

	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9102", "Metrics listen address (empty to disable)")
	flag.StringVar(&cfg.NumbersPath, "numbers", "resources/config/numbers.json", "Path to provisioned numbers file")
	flag.StringVar(&cfg.NATSURL, "nats", "", "NATS URL for events (empty to disable)")
	flag.BoolVar(&cfg.MediaRemote, "media-remote", false, "Use the broker-backed media gateway transport")
	flag.StringVar(&cfg.MediaSubjectPrefix, "media-subject", "mediagw", "Subject prefix for gateway commands")
	flag.IntVar(&cfg.MediaTimeoutSeconds, "media-timeout", 5, "Gateway dead-peer window in seconds")
	flag.StringVar(&cfg.MediaEndpointPrefix, "media-prefix", "callplane", "Endpoint name prefix")
	flag.StringVar(&cfg.MediaDomain, "media-domain", "127.0.0.1:2427", "Gateway domain")
	flag.IntVar(&cfg.RingTimeoutSeconds, "ring-timeout", 60, "Seconds a dialed call may ring unanswered")

	flag.Parse()

	// Override with environment variables if set
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NUMBERS_PATH"); v != "" {
		cfg.NumbersPath = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("MEDIA_REMOTE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MediaRemote = b
		}
	}
	if v := os.Getenv("MEDIA_SUBJECT"); v != "" {
		cfg.MediaSubjectPrefix = v
	}
	if v := os.Getenv("MEDIA_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MediaTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MEDIA_PREFIX"); v != "" {
		cfg.MediaEndpointPrefix = v
	}
	if v := os.Getenv("MEDIA_DOMAIN"); v != "" {
		cfg.MediaDomain = v
	}
	if v := os.Getenv("RING_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RingTimeoutSeconds = n
		}
	}

	return cfg
}
