package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tasksync/internal/coord"
	"github.com/agentworkforce/tasksync/internal/jobs"
	"github.com/agentworkforce/tasksync/internal/lock"
	"github.com/agentworkforce/tasksync/internal/merge"
	"github.com/agentworkforce/tasksync/internal/remote"
)

const (
	DefaultJobTimeout   = 30 * time.Second
	syncKeyRecordPrefix = "tasksync:key:"
	documentCachePrefix = "tasksync:doc:"
	finalizeTimeout     = 5 * time.Second
	errorBufferSize     = 64
	maxDrainPasses      = 3
)

var ErrConfig = errors.New("invalid sync request")

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

type Request struct {
	Action        string
	Target        remote.Target
	Payload       jobs.Payload
	CorrelationID string
}

type DrainReport struct {
	SyncKey   string
	Busy      bool
	LockLost  bool
	Processed int
	Failed    int
	Skipped   int
}

type Options struct {
	LockTTL      time.Duration
	JobRetention time.Duration
	JobTimeout   time.Duration
	Now          func() time.Time
	Logger       *zerolog.Logger
	Metrics      *Metrics
}

// Service accepts sync requests and drains per-sync-key queues under a TTL
// lock. Drains run in tracked goroutines; their errors are published on
// Errors.
type Service struct {
	kv         coord.Store
	remote     remote.Client
	locks      *lock.Manager
	jobs       *jobs.Store
	jobTimeout time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	metrics    *Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    chan error

	mu      sync.Mutex
	closed  bool
	running map[string]bool
	rerun   map[string]bool
	known   map[string]struct{}
}

func NewService(kv coord.Store, client remote.Client, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		kv:         kv,
		remote:     client,
		locks:      lock.NewManager(kv, lock.Options{TTL: opts.LockTTL, Now: now, Logger: &logger}),
		jobs:       jobs.NewStore(kv, jobs.Options{Retention: opts.JobRetention, Now: now}),
		jobTimeout: jobTimeout,
		now:        now,
		logger:     logger,
		metrics:    opts.Metrics,
		baseCtx:    baseCtx,
		cancel:     cancel,
		errs:       make(chan error, errorBufferSize),
		running:    map[string]bool{},
		rerun:      map[string]bool{},
		known:      map[string]struct{}{},
	}
}

// SyncKey derives the coordination namespace for one remote document. The
// inputs must already be normalized.
func SyncKey(endpoint, username, path string) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return "sk_" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeTarget validates a target and returns it in the form used for
// sync-key derivation.
func NormalizeTarget(target remote.Target) (remote.Target, error) {
	endpoint, err := remote.NormalizeEndpoint(target.Endpoint)
	if err != nil {
		return remote.Target{}, &ConfigError{Field: "endpoint", Reason: strings.TrimPrefix(err.Error(), remote.ErrInvalid.Error()+": ")}
	}
	username := strings.TrimSpace(target.Username)
	if username == "" {
		return remote.Target{}, &ConfigError{Field: "username", Reason: "is required"}
	}
	if target.Password == "" {
		return remote.Target{}, &ConfigError{Field: "password", Reason: "is required"}
	}
	path := remote.NormalizePath(target.Path)
	if path == "" {
		path = remote.DefaultDocumentPath
	}
	return remote.Target{Endpoint: endpoint, Username: username, Password: target.Password, Path: path}, nil
}

type syncKeyRecord struct {
	Endpoint  string    `json:"endpoint"`
	Username  string    `json:"username"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Request records a pending job, queues it behind earlier jobs for the same
// sync-key and starts a background drain. It does not wait for the job.
func (s *Service) Request(ctx context.Context, req Request) (jobs.Job, error) {
	action, ok := jobs.ParseAction(req.Action)
	if !ok {
		return jobs.Job{}, &ConfigError{Field: "action", Reason: fmt.Sprintf("%q is not one of push, pull, sync", req.Action)}
	}
	target, err := NormalizeTarget(req.Target)
	if err != nil {
		return jobs.Job{}, err
	}
	if action == jobs.ActionPush && len(bytes.TrimSpace(req.Payload.Data)) == 0 {
		return jobs.Job{}, &ConfigError{Field: "payload.data", Reason: "is required for push"}
	}
	if _, err := merge.ParseDocument(req.Payload.Data); err != nil {
		return jobs.Job{}, &ConfigError{Field: "payload.data", Reason: err.Error()}
	}

	syncKey := SyncKey(target.Endpoint, target.Username, target.Path)
	record, err := json.Marshal(syncKeyRecord{
		Endpoint:  target.Endpoint,
		Username:  target.Username,
		Path:      target.Path,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return jobs.Job{}, err
	}
	if _, err := s.kv.SetNX(ctx, syncKeyRecordPrefix+syncKey, string(record), s.jobs.Retention()); err != nil {
		return jobs.Job{}, fmt.Errorf("record sync-key: %w", err)
	}

	job := &jobs.Job{
		SyncKey:       syncKey,
		Action:        action,
		Target:        target,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return jobs.Job{}, err
	}
	depth, err := s.jobs.Enqueue(ctx, syncKey, job.ID)
	if err != nil {
		return jobs.Job{}, err
	}
	s.metrics.jobRequested(string(action))
	s.logger.Info().
		Str("jobId", job.ID).
		Str("syncKey", syncKey).
		Str("action", string(action)).
		Int64("queueDepth", depth).
		Str("payload", humanize.Bytes(uint64(len(req.Payload.Data)))).
		Str("correlationId", req.CorrelationID).
		Msg("sync job queued")

	s.Trigger(syncKey)
	return *job, nil
}

func (s *Service) Status(ctx context.Context, id string) (jobs.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *Service) QueueDepth(ctx context.Context, syncKey string) (int64, error) {
	return s.jobs.Depth(ctx, syncKey)
}

// CachedSnapshot returns the envelope written by the last successful job
// for the sync-key.
func (s *Service) CachedSnapshot(ctx context.Context, syncKey string) ([]byte, bool, error) {
	value, found, err := s.kv.Get(ctx, documentCachePrefix+syncKey)
	if err != nil || !found {
		return nil, found, err
	}
	return []byte(value), true, nil
}

func (s *Service) Errors() <-chan error {
	return s.errs
}

// Trigger starts a background drain for the sync-key. A trigger that
// arrives while this process is already draining the key schedules one more
// pass instead of a second goroutine.
func (s *Service) Trigger(syncKey string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.known[syncKey] = struct{}{}
	if s.running[syncKey] {
		s.rerun[syncKey] = true
		s.mu.Unlock()
		return
	}
	s.running[syncKey] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runDrains(syncKey)
}

func (s *Service) runDrains(syncKey string) {
	defer s.wg.Done()
	for pass := 1; ; pass++ {
		report, err := s.Drain(s.baseCtx, syncKey)
		if err != nil {
			s.publishError(fmt.Errorf("drain %s: %w", syncKey, err))
		}

		// A job queued after the queue read empty but before the lock was
		// released has no drain of its own.
		again := false
		if err == nil && !report.Busy && pass < maxDrainPasses {
			if depth, depthErr := s.jobs.Depth(s.baseCtx, syncKey); depthErr == nil && depth > 0 {
				again = true
			}
		}

		s.mu.Lock()
		if s.rerun[syncKey] {
			again = true
			delete(s.rerun, syncKey)
		}
		if !again || s.closed {
			delete(s.running, syncKey)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Service) publishError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Error().Err(err).Msg("drain error dropped, error channel full")
	}
}

// Drain processes queued jobs for one sync-key until the queue is empty.
// When another worker holds the lock it returns immediately with Busy set
// and the jobs stay queued for that worker.
func (s *Service) Drain(ctx context.Context, syncKey string) (DrainReport, error) {
	report := DrainReport{SyncKey: syncKey}
	lease, err := s.locks.Acquire(ctx, syncKey)
	if errors.Is(err, lock.ErrBusy) {
		report.Busy = true
		s.metrics.lockEvent("busy")
		s.metrics.drain("busy")
		return report, nil
	}
	if err != nil {
		s.metrics.drain("error")
		return report, err
	}
	defer func() {
		if report.LockLost {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if err := s.locks.Release(releaseCtx, lease); err != nil {
			s.logger.Warn().Err(err).Str("syncKey", syncKey).Msg("lock release failed")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			s.metrics.drain("canceled")
			return report, err
		}
		if err := s.locks.Renew(ctx, &lease); err != nil {
			if errors.Is(err, lock.ErrLost) {
				report.LockLost = true
				s.metrics.lockEvent("lost")
			}
			s.metrics.drain("aborted")
			return report, err
		}
		id, ok, err := s.jobs.DequeueNext(ctx, syncKey)
		if err != nil {
			s.metrics.drain("error")
			return report, err
		}
		if !ok {
			s.metrics.drain("drained")
			s.logger.Debug().
				Str("syncKey", syncKey).
				Int("processed", report.Processed).
				Int("failed", report.Failed).
				Msg("queue drained")
			return report, nil
		}
		switch s.processJob(ctx, id) {
		case jobs.StatusDone:
			report.Processed++
		case jobs.StatusFailed:
			report.Processed++
			report.Failed++
		default:
			report.Skipped++
		}
	}
}

// processJob runs one dequeued job and returns its terminal status, or ""
// when the job was skipped.
func (s *Service) processJob(ctx context.Context, id string) jobs.Status {
	logger := s.logger.With().Str("jobId", id).Logger()
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping queued job")
		if !errors.Is(err, jobs.ErrNotFound) && s.failUnstarted(ctx, logger, id, err) {
			return jobs.StatusFailed
		}
		return ""
	}
	if job.Status != jobs.StatusPending {
		logger.Warn().Str("status", string(job.Status)).Msg("skipping job that is not pending")
		return ""
	}
	logger = logger.With().
		Str("syncKey", job.SyncKey).
		Str("action", string(job.Action)).
		Str("correlationId", job.CorrelationID).
		Logger()
	if _, err := s.jobs.Transition(ctx, id, jobs.StatusProcessing, nil, ""); err != nil {
		logger.Error().Err(err).Msg("could not mark job processing")
		if s.failUnstarted(ctx, logger, id, err) {
			s.metrics.jobCompleted(string(job.Action), string(jobs.StatusFailed), 0)
			return jobs.StatusFailed
		}
		return ""
	}

	started := s.now()
	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	result, runErr := s.run(jobCtx, logger, job)
	cancel()
	elapsed := s.now().Sub(started)

	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFinalize()
	if runErr != nil {
		if _, err := s.jobs.Transition(finalizeCtx, id, jobs.StatusFailed, nil, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("could not record job failure")
		}
		s.metrics.jobCompleted(string(job.Action), string(jobs.StatusFailed), elapsed.Seconds())
		logger.Warn().Err(runErr).Dur("elapsed", elapsed).Msg("sync job failed")
		return jobs.StatusFailed
	}

	if _, err := s.jobs.Transition(finalizeCtx, id, jobs.StatusDone, result, ""); err != nil {
		logger.Error().Err(err).Msg("could not record job result")
	}
	if err := s.kv.Set(finalizeCtx, documentCachePrefix+job.SyncKey, string(result.Data), s.jobs.Retention()); err != nil {
		logger.Warn().Err(err).Msg("could not cache document")
	}
	s.metrics.jobCompleted(string(job.Action), string(jobs.StatusDone), elapsed.Seconds())
	logger.Info().
		Dur("elapsed", elapsed).
		Bool("remoteFound", result.RemoteFound).
		Bool("pushed", result.Pushed).
		Str("size", humanize.Bytes(uint64(result.Bytes))).
		Msg("sync job done")
	return jobs.StatusDone
}

// failUnstarted marks a job that already left the queue but never ran as
// failed, so its caller does not poll a pending job until retention ends.
func (s *Service) failUnstarted(ctx context.Context, logger zerolog.Logger, id string, cause error) bool {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if _, err := s.jobs.Transition(finalizeCtx, id, jobs.StatusFailed, nil, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("could not record job failure")
		return false
	}
	return true
}

func (s *Service) run(ctx context.Context, logger zerolog.Logger, job jobs.Job) (*jobs.Result, error) {
	local, err := merge.ParseDocument(job.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("decode local document: %w", err)
	}
	opts := merge.Options{Now: s.now()}

	switch job.Action {
	case jobs.ActionPush:
		res := merge.Merge(nil, local, nil, job.Payload.Meta, opts)
		s.noteDropped(logger, res.Report)
		body, err := encodeEnvelope(res)
		if err != nil {
			return nil, err
		}
		if err := s.remote.Push(ctx, job.Target, body); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		return &jobs.Result{Data: body, Meta: metaOrNil(res.Meta), Report: &res.Report, Pushed: true, Bytes: len(body)}, nil

	case jobs.ActionPull:
		raw, found, err := s.remote.Pull(ctx, job.Target)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		env, err := merge.ParseEnvelope(raw)
		if err != nil {
			return nil, fmt.Errorf("decode remote document: %w", err)
		}
		body, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		return &jobs.Result{Data: body, Meta: env.Meta, RemoteFound: found, Bytes: len(raw)}, nil

	case jobs.ActionSync:
		raw, found, err := s.remote.Pull(ctx, job.Target)
		if err != nil {
			return nil, fmt.Errorf("pull: %w", err)
		}
		var remoteDoc *merge.Document
		var remoteMeta *merge.Meta
		if found {
			env, err := merge.ParseEnvelope(raw)
			if err != nil {
				return nil, fmt.Errorf("decode remote document: %w", err)
			}
			remoteDoc = &env.Document
			remoteMeta = env.Meta
		}
		res := merge.Merge(remoteDoc, local, remoteMeta, job.Payload.Meta, opts)
		s.noteDropped(logger, res.Report)
		body, err := encodeEnvelope(res)
		if err != nil {
			return nil, err
		}
		result := &jobs.Result{Data: body, Meta: metaOrNil(res.Meta), Report: &res.Report, RemoteFound: found, Bytes: len(body)}
		if found && bytes.Equal(bytes.TrimSpace(raw), body) {
			return result, nil
		}
		if err := s.remote.Push(ctx, job.Target, body); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		result.Pushed = true
		return result, nil
	}
	return nil, fmt.Errorf("unsupported action %q", job.Action)
}

func (s *Service) noteDropped(logger zerolog.Logger, report merge.Report) {
	dropped := report.Dropped()
	if dropped == 0 {
		return
	}
	s.metrics.droppedRecords(dropped)
	logger.Warn().
		Int("tasks", report.Tasks.Dropped).
		Int("habits", report.Habits.Dropped).
		Int("countdowns", report.Countdowns.Dropped).
		Msg("dropped malformed records without a usable id")
}

func encodeEnvelope(res merge.Result) ([]byte, error) {
	return json.Marshal(merge.Envelope{Document: res.Document, Meta: metaOrNil(res.Meta)})
}

func metaOrNil(meta merge.Meta) *merge.Meta {
	if meta.LastLocalChange.IsZero() {
		return nil
	}
	return &meta
}

// Sweep re-triggers drains for tracked sync-keys that still have queued
// jobs, which resumes work left behind by a crashed worker once its lock
// expires. Keys with empty queues stop being tracked.
func (s *Service) Sweep(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.known))
	for key := range s.known {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var total int64
	for _, key := range keys {
		depth, err := s.jobs.Depth(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("syncKey", key).Msg("sweep could not read queue depth")
			continue
		}
		total += depth
		if depth > 0 {
			s.Trigger(key)
			continue
		}
		s.mu.Lock()
		if !s.running[key] {
			delete(s.known, key)
		}
		s.mu.Unlock()
	}
	s.metrics.setQueueDepth(total)
}

func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Close stops new drains and waits for running ones. When ctx expires
// first, running drains are canceled and Close still waits for them to
// return.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
