package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/tasksync/internal/httpapi"
	"github.com/agentworkforce/tasksync/internal/jobs"
	"github.com/agentworkforce/tasksync/internal/lock"
	"github.com/agentworkforce/tasksync/internal/remote"
	"github.com/agentworkforce/tasksync/internal/syncer"
)

const defaultRedisDSN = "redis://127.0.0.1:6379/0"

type config struct {
	Listen          string
	MetricsListen   string
	CoordDSN        string
	BackendProfile  string
	LockTTL         time.Duration
	JobRetention    time.Duration
	JobTimeout      time.Duration
	RemoteTimeout   time.Duration
	SweepInterval   time.Duration
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	LogLevel        string
	LogFile         string
	ShutdownTimeout time.Duration
}

var configKeys = []string{
	"listen", "metrics-listen", "coord-dsn", "backend-profile",
	"lock-ttl", "job-retention", "job-timeout", "remote-timeout", "sweep-interval",
	"jwt-secret", "rate-limit-max", "rate-limit-window", "max-body-bytes",
	"log-level", "log-file", "shutdown-timeout",
}

func newRootCommand(run func(cmd *cobra.Command, cfg config) error) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "tasksync",
		Short: "Sync service for the task, habit and countdown tracker",
		Long: `tasksync accepts push, pull and sync jobs over HTTP, serializes them per
remote document with a TTL lock and merges devices' datasets into one
WebDAV or S3 document.`,
		Example: `  # In-memory coordination (single process, dev only)
  tasksync --backend-profile memory

  # Redis coordination shared by several replicas
  TASKSYNC_COORD_DSN=redis://redis:6379/0 tasksync --listen :8080

  # Postgres coordination
  tasksync --backend-profile production --coord-dsn postgres://tasksync@db/tasksync?sslmode=disable`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("metrics-listen", "", "separate listen address for /metrics (defaults to the API listener)")
	flags.String("coord-dsn", "", "coordination store DSN (memory://, redis://, postgres://)")
	flags.String("backend-profile", "", "coordination preset: memory, redis or production")
	flags.Duration("lock-ttl", lock.DefaultTTL, "sync-key lock TTL")
	flags.Duration("job-retention", jobs.DefaultRetention, "how long job records are kept")
	flags.Duration("job-timeout", syncer.DefaultJobTimeout, "time limit for one job")
	flags.Duration("remote-timeout", remote.DefaultTimeout, "time limit for one WebDAV request")
	flags.Duration("sweep-interval", 30*time.Second, "interval for resuming queued work (0 disables)")
	flags.String("jwt-secret", "", "HS256 secret; enables bearer auth when set")
	flags.Int("rate-limit-max", 0, "requests per client per window (0 disables)")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.String("max-body-bytes", humanize.IBytes(httpapi.DefaultMaxBodyBytes), "request body limit, e.g. 4MiB")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-file", "", "write logs to a rotating file instead of stderr")
	flags.Duration("shutdown-timeout", 15*time.Second, "grace period for in-flight requests and jobs")

	for _, name := range configKeys {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Listen:          strings.TrimSpace(v.GetString("listen")),
		MetricsListen:   strings.TrimSpace(v.GetString("metrics-listen")),
		CoordDSN:        strings.TrimSpace(v.GetString("coord-dsn")),
		BackendProfile:  strings.ToLower(strings.TrimSpace(v.GetString("backend-profile"))),
		LockTTL:         v.GetDuration("lock-ttl"),
		JobRetention:    v.GetDuration("job-retention"),
		JobTimeout:      v.GetDuration("job-timeout"),
		RemoteTimeout:   v.GetDuration("remote-timeout"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		JWTSecret:       v.GetString("jwt-secret"),
		RateLimitMax:    v.GetInt("rate-limit-max"),
		RateLimitWindow: v.GetDuration("rate-limit-window"),
		LogLevel:        strings.TrimSpace(v.GetString("log-level")),
		LogFile:         strings.TrimSpace(v.GetString("log-file")),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	if raw := strings.TrimSpace(v.GetString("max-body-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid max-body-bytes %q: %w", raw, err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	dsn, err := resolveCoordDSN(cfg.BackendProfile, cfg.CoordDSN)
	if err != nil {
		return config{}, err
	}
	cfg.CoordDSN = dsn
	if cfg.JobTimeout > 0 && cfg.LockTTL > 0 && cfg.JobTimeout >= cfg.LockTTL {
		return config{}, fmt.Errorf("job-timeout (%s) must be shorter than lock-ttl (%s)", cfg.JobTimeout, cfg.LockTTL)
	}
	return cfg, nil
}

// resolveCoordDSN applies the backend profile. An explicit DSN wins over the
// profile default.
func resolveCoordDSN(profile, dsn string) (string, error) {
	switch profile {
	case "", "custom":
		if dsn == "" {
			return "memory://", nil
		}
		return dsn, nil
	case "memory", "inmemory":
		if dsn == "" {
			return "memory://", nil
		}
		return dsn, nil
	case "redis":
		if dsn == "" {
			return defaultRedisDSN, nil
		}
		return dsn, nil
	case "production", "prod":
		if dsn == "" {
			return "", fmt.Errorf("coord-dsn is required when backend-profile=%s", profile)
		}
		if strings.HasPrefix(dsn, "mem") || strings.HasPrefix(dsn, "inmem") {
			return "", fmt.Errorf("backend-profile=%s needs a shared coordination store, got %s", profile, dsn)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported backend-profile: %s", profile)
	}
}

// newLogger writes JSON to stderr, or to a rotating file when path is set.
// The returned closer releases the file.
func newLogger(level, path string, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	parsed := zerolog.InfoLevel
	if level != "" {
		var err error
		parsed, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log-level %q: %w", level, err)
		}
	}
	var out io.Writer = stderr
	var closer io.Closer = io.NopCloser(nil)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out = rotating
		closer = rotating
	}
	logger := zerolog.New(out).Level(parsed).With().Timestamp().Str("app", "tasksync").Logger()
	return logger, closer, nil
}
