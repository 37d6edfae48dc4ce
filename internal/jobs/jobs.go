package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tasksync/internal/coord"
	"github.com/agentworkforce/tasksync/internal/merge"
	"github.com/agentworkforce/tasksync/internal/remote"
)

const (
	DefaultRetention = 24 * time.Hour
	jobKeyPrefix     = "tasksync:job:"
	queueKeyPrefix   = "tasksync:queue:"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrDuplicate         = errors.New("job already exists")
)

type Action string

const (
	ActionPush Action = "push"
	ActionPull Action = "pull"
	ActionSync Action = "sync"
)

func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionPush:
		return ActionPush, true
	case ActionPull:
		return ActionPull, true
	case ActionSync:
		return ActionSync, true
	}
	return "", false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Payload is what the caller sends along with a job: its local document
// and the meta describing when it last changed locally.
type Payload struct {
	Data json.RawMessage `json:"data,omitempty"`
	Meta *merge.Meta     `json:"meta,omitempty"`
}

type Result struct {
	Data        json.RawMessage `json:"data,omitempty"`
	Meta        *merge.Meta     `json:"meta,omitempty"`
	Report      *merge.Report   `json:"report,omitempty"`
	RemoteFound bool            `json:"remoteFound"`
	Pushed      bool            `json:"pushed"`
	Bytes       int             `json:"bytes"`
}

type Job struct {
	ID            string        `json:"id"`
	SyncKey       string        `json:"syncKey"`
	Action        Action        `json:"action"`
	Status        Status        `json:"status"`
	Target        remote.Target `json:"target"`
	Payload       Payload       `json:"payload"`
	Result        *Result       `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

type Options struct {
	Retention time.Duration
	Now       func() time.Time
	NewID     func() string
}

// Store keeps job records and the per-sync-key FIFO of pending job ids on
// the coordination store.
type Store struct {
	kv        coord.Store
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

func NewStore(kv coord.Store, opts Options) *Store {
	s := &Store{
		kv:        kv,
		retention: opts.Retention,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	return s
}

func JobKey(id string) string {
	return jobKeyPrefix + id
}

func QueueKey(syncKey string) string {
	return queueKeyPrefix + syncKey
}

func (s *Store) Retention() time.Duration {
	return s.retention
}

// Create stores a new pending job, assigning an id when the job has none.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.SyncKey) == "" {
		return coord.ErrInvalidInput
	}
	if job.ID == "" {
		job.ID = s.newID()
	}
	now := s.now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.FinishedAt = nil
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	created, err := s.kv.SetNX(ctx, JobKey(job.ID), string(payload), s.retention)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !created {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	if strings.TrimSpace(id) == "" {
		return Job{}, ErrNotFound
	}
	raw, found, err := s.kv.Get(ctx, JobKey(id))
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if !found {
		return Job{}, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Transition moves a job forward. Terminal states are final and a job
// cannot go back to pending.
func (s *Store) Transition(ctx context.Context, id string, to Status, result *Result, errMsg string) (Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !allowedTransition(job.Status, to) {
		return job, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	now := s.now().UTC()
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case StatusProcessing:
		job.StartedAt = &now
	case StatusDone, StatusFailed:
		job.FinishedAt = &now
		job.Result = result
		job.Error = errMsg
		// Only queued and running jobs need to reach the remote.
		job.Target.Password = ""
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, err
	}
	ttl := job.CreatedAt.Add(s.retention).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.kv.Set(ctx, JobKey(id), string(payload), ttl); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) Enqueue(ctx context.Context, syncKey, id string) (int64, error) {
	depth, err := s.kv.RPush(ctx, QueueKey(syncKey), id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return depth, nil
}

func (s *Store) DequeueNext(ctx context.Context, syncKey string) (string, bool, error) {
	id, ok, err := s.kv.LPop(ctx, QueueKey(syncKey))
	if err != nil {
		return "", false, fmt.Errorf("dequeue %s: %w", syncKey, err)
	}
	return id, ok, nil
}

func (s *Store) Depth(ctx context.Context, syncKey string) (int64, error) {
	return s.kv.LLen(ctx, QueueKey(syncKey))
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusDone || to == StatusFailed
	}
	return false
}
