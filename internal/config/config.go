// Package config loads the control plane's process-level configuration
// from the environment: a single eager, fail-fast pass at startup that
// accumulates every validation problem instead of stopping at the first,
// so an operator sees the whole broken environment in one go.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, validated process configuration.
type Config struct {
	ListenAddr string

	DatabaseURL string

	WorkerBin string

	MaxWorkers      int
	WorkerTimeout   time.Duration
	TerminalGrace   time.Duration
	SubscriberQueue int
	KillGrace       time.Duration

	CORSOrigins []string

	RateLimit bool

	SpecsFile string

	SchedulerSpecID string
	SchedulerCron   string
}

// Defaults applied when the corresponding variable is unset.
const (
	defaultListenAddr      = ":8080"
	defaultMaxWorkers      = 4
	defaultWorkerTimeoutMS = 300_000
	defaultTerminalGraceMS = 30_000
	defaultSubscriberQueue = 256
	defaultKillGraceMS     = 5_000
)

// Load reads and validates the environment, returning the accumulated list
// of problems (empty if the environment is valid). On success, cfg is ready
// to use; on failure, cfg is only partially populated and must be discarded.
func Load() (Config, []string) {
	var errs []string
	cfg := Config{
		ListenAddr: envOr("LISTEN_ADDR", defaultListenAddr),
		WorkerBin:  os.Getenv("WORKER_BIN"),
		SpecsFile:  os.Getenv("SPECS_FILE"),
	}

	if addr := cfg.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL != "" {
		if _, err := url.Parse(cfg.DatabaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
		warnDefaultCredentials(cfg.DatabaseURL)
	}

	cfg.MaxWorkers = parseIntEnv("MAX_WORKERS", defaultMaxWorkers, &errs)
	if cfg.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("MAX_WORKERS=%d: must be >= 1", cfg.MaxWorkers))
	}

	cfg.WorkerTimeout = parseMillisEnv("WORKER_TIMEOUT_MS", defaultWorkerTimeoutMS, &errs)
	cfg.TerminalGrace = parseMillisEnv("TERMINAL_GRACE_MS", defaultTerminalGraceMS, &errs)
	cfg.KillGrace = parseMillisEnv("KILL_GRACE_MS", defaultKillGraceMS, &errs)

	cfg.SubscriberQueue = parseIntEnv("SUBSCRIBER_QUEUE", defaultSubscriberQueue, &errs)
	if cfg.SubscriberQueue < 1 {
		errs = append(errs, fmt.Sprintf("SUBSCRIBER_QUEUE=%d: must be >= 1", cfg.SubscriberQueue))
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}

	cfg.RateLimit = os.Getenv("RATE_LIMIT") != "0"

	cfg.SchedulerSpecID = os.Getenv("SCHEDULER_SPEC_ID")
	cfg.SchedulerCron = os.Getenv("SCHEDULER_CRON")
	if cfg.SchedulerCron != "" && cfg.SchedulerSpecID == "" {
		errs = append(errs, "SCHEDULER_CRON is set but SCHEDULER_SPEC_ID is empty")
	}

	return cfg, errs
}

// warnDefaultCredentials logs a startup warning (never fatal) when
// DATABASE_URL embeds the stock postgres:postgres credential pair.
func warnDefaultCredentials(dbURL string) {
	u, err := url.Parse(dbURL)
	if err != nil || u.User == nil {
		return
	}
	user := u.User.Username()
	pass, _ := u.User.Password()
	if user == "postgres" && pass == "postgres" {
		fmt.Fprintf(os.Stderr, "warning: DATABASE_URL credentials appear to be defaults (%s) — change these for production\n", user)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(name string, fallback int, errs *[]string) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q: must be an integer (%v)", name, v, err))
		return fallback
	}
	return n
}

func parseMillisEnv(name string, fallbackMS int, errs *[]string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return time.Duration(fallbackMS) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s=%q: must be a non-negative integer number of milliseconds", name, v))
		return time.Duration(fallbackMS) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
