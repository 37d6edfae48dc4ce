package agentsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tasksync/internal/jobs"
	"github.com/agentworkforce/tasksync/internal/merge"
	"github.com/agentworkforce/tasksync/internal/remote"
)

const DefaultPollInterval = 200 * time.Millisecond

var ErrJobFailed = errors.New("sync job failed")

type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("sync job %s failed: %s", e.JobID, e.Message)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}

type Options struct {
	// File is the local dataset: a document plus its meta, as stored remotely.
	File         string
	Target       remote.Target
	Action       jobs.Action
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

// Outcome describes one completed cycle.
type Outcome struct {
	JobID   string
	Action  jobs.Action
	Written bool
	// Stale is set when the local file changed while the job ran; the
	// result was not written and the next cycle picks the edit up.
	Stale  bool
	Report *merge.Report
}

// Agent mirrors one local dataset file through the Request API.
type Agent struct {
	api          API
	file         string
	target       remote.Target
	action       jobs.Action
	pollInterval time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	lastHash string
}

func NewAgent(api API, opts Options) (*Agent, error) {
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}
	file := strings.TrimSpace(opts.File)
	if file == "" {
		return nil, fmt.Errorf("local file is required")
	}
	action := opts.Action
	if action == "" {
		action = jobs.ActionSync
	}
	if _, ok := jobs.ParseAction(string(action)); !ok {
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	if strings.TrimSpace(opts.Target.Endpoint) == "" {
		return nil, fmt.Errorf("remote endpoint is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Agent{
		api:          api,
		file:         filepath.Clean(file),
		target:       opts.Target,
		action:       action,
		pollInterval: poll,
		logger:       logger,
	}, nil
}

func (a *Agent) File() string {
	return a.file
}

// SyncOnce sends the local file, waits for the job and writes the returned
// document back for pull and sync.
func (a *Agent) SyncOnce(ctx context.Context) (Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	original, exists, err := a.readLocal()
	if err != nil {
		return Outcome{}, err
	}
	if a.action == jobs.ActionPush && !exists {
		return Outcome{}, fmt.Errorf("push needs a local file at %s", a.file)
	}
	payload, err := buildPayload(original)
	if err != nil {
		return Outcome{}, fmt.Errorf("read %s: %w", a.file, err)
	}

	accepted, err := a.api.RequestSync(ctx, SyncRequest{
		Action:   a.action,
		Endpoint: a.target.Endpoint,
		Username: a.target.Username,
		Password: a.target.Password,
		Path:     a.target.Path,
		Payload:  payload,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("request %s: %w", a.action, err)
	}
	logger := a.logger.With().Str("jobId", accepted.JobID).Str("action", string(a.action)).Logger()
	logger.Debug().Str("syncKey", accepted.SyncKey).Msg("sync job accepted")

	view, err := a.waitForJob(ctx, accepted.JobID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{JobID: view.JobID, Action: a.action}
	if view.Status == jobs.StatusFailed {
		return out, &JobFailedError{JobID: view.JobID, Message: view.Error}
	}
	if view.Result != nil {
		out.Report = view.Result.Report
	}
	if !a.shouldWrite(view) {
		a.lastHash = hashBytes(original)
		return out, nil
	}

	current, _, err := a.readLocal()
	if err != nil {
		return out, err
	}
	if !bytes.Equal(current, original) {
		out.Stale = true
		logger.Info().Msg("local file changed during sync, result not written")
		return out, nil
	}
	data := view.Result.Data
	if bytes.Equal(bytes.TrimSpace(current), bytes.TrimSpace(data)) {
		a.lastHash = hashBytes(current)
		return out, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.file), 0o755); err != nil {
		return out, err
	}
	if err := writeFileAtomic(a.file, data, 0o600); err != nil {
		return out, fmt.Errorf("write %s: %w", a.file, err)
	}
	a.lastHash = hashBytes(data)
	out.Written = true
	logger.Info().Str("size", humanize.Bytes(uint64(len(data)))).Msg("local file updated")
	return out, nil
}

// OwnWrite reports whether the file on disk is exactly what the agent last
// wrote or sent, so watchers can ignore the agent's own writes.
func (a *Agent) OwnWrite() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastHash == "" {
		return false
	}
	data, _, err := a.readLocal()
	if err != nil {
		return false
	}
	return hashBytes(data) == a.lastHash
}

func (a *Agent) shouldWrite(view JobView) bool {
	if view.Result == nil || len(view.Result.Data) == 0 {
		return false
	}
	switch a.action {
	case jobs.ActionSync:
		return true
	case jobs.ActionPull:
		return view.Result.RemoteFound
	}
	return false
}

func (a *Agent) waitForJob(ctx context.Context, jobID string) (JobView, error) {
	for {
		view, err := a.api.JobStatus(ctx, jobID)
		if err != nil {
			return JobView{}, fmt.Errorf("status of job %s: %w", jobID, err)
		}
		if view.Status.Terminal() {
			return view, nil
		}
		if err := waitWithContext(ctx, a.pollInterval); err != nil {
			return JobView{}, err
		}
	}
}

func (a *Agent) readLocal() ([]byte, bool, error) {
	data, err := os.ReadFile(a.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// buildPayload splits a stored envelope into the job payload. An empty
// file is sent as no data.
func buildPayload(raw []byte) (*jobs.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &jobs.Payload{}, nil
	}
	env, err := merge.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env.Document)
	if err != nil {
		return nil, err
	}
	return &jobs.Payload{Data: data, Meta: env.Meta}, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
