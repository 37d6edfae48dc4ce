package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tasksync/internal/agentsync"
	"github.com/agentworkforce/tasksync/internal/jobs"
	"github.com/agentworkforce/tasksync/internal/remote"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	baseURL := flag.String("base-url", envOrDefault("TASKSYNC_BASE_URL", "http://127.0.0.1:8080"), "tasksync API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TASKSYNC_TOKEN")), "bearer token")
	file := flag.String("file", strings.TrimSpace(os.Getenv("TASKSYNC_FILE")), "local dataset file")
	endpoint := flag.String("endpoint", strings.TrimSpace(os.Getenv("TASKSYNC_REMOTE_ENDPOINT")), "WebDAV or S3 endpoint")
	username := flag.String("username", strings.TrimSpace(os.Getenv("TASKSYNC_REMOTE_USERNAME")), "remote username or access key")
	password := flag.String("password", os.Getenv("TASKSYNC_REMOTE_PASSWORD"), "remote password or secret key")
	remotePath := flag.String("remote-path", envOrDefault("TASKSYNC_REMOTE_PATH", remote.DefaultDocumentPath), "document path under the endpoint")
	action := flag.String("action", envOrDefault("TASKSYNC_ACTION", string(jobs.ActionSync)), "push, pull or sync")
	interval := flag.Duration("interval", durationEnv(logger, "TASKSYNC_INTERVAL", time.Minute), "periodic sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv(logger, "TASKSYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv(logger, "TASKSYNC_TIMEOUT", 45*time.Second), "per-cycle timeout")
	debounce := flag.Duration("debounce", durationEnv(logger, "TASKSYNC_DEBOUNCE", agentsync.DefaultDebounce), "delay after a file change before syncing")
	verbose := flag.Bool("verbose", false, "log every cycle")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if !*verbose {
		logger = logger.Level(zerolog.InfoLevel)
	}
	if strings.TrimSpace(*file) == "" {
		logger.Fatal().Msg("file is required (--file or TASKSYNC_FILE)")
	}
	if strings.TrimSpace(*endpoint) == "" {
		logger.Fatal().Msg("endpoint is required (--endpoint or TASKSYNC_REMOTE_ENDPOINT)")
	}
	parsedAction, ok := jobs.ParseAction(*action)
	if !ok {
		logger.Fatal().Str("action", *action).Msg("action must be push, pull or sync")
	}
	if *interval <= 0 {
		*interval = time.Minute
	}
	if *timeout <= 0 {
		*timeout = 45 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := agentsync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: 15 * time.Second})
	agent, err := agentsync.NewAgent(client, agentsync.Options{
		File: *file,
		Target: remote.Target{
			Endpoint: *endpoint,
			Username: *username,
			Password: *password,
			Path:     *remotePath,
		},
		Action: parsedAction,
		Logger: &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sync agent")
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		out, err := agent.SyncOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("sync cycle failed")
			os.Exit(1)
		}
		logger.Info().Str("jobId", out.JobID).Bool("written", out.Written).Msg("sync cycle completed")
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	err = agent.Watch(rootCtx, agentsync.WatchOptions{
		NextInterval: func() time.Duration {
			return jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64())
		},
		Debounce:     *debounce,
		CycleTimeout: *timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("watch failed")
	}
	logger.Info().Msg("sync agent stopped")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func floatEnv(logger zerolog.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid number, using fallback")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
