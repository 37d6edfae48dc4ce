package agentsync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

type WatchOptions struct {
	// NextInterval returns the wait before the next periodic cycle. Nil
	// disables the timer and syncs on file changes only.
	NextInterval func() time.Duration
	Debounce     time.Duration
	// CycleTimeout bounds each SyncOnce call.
	CycleTimeout time.Duration
	// OnCycle observes each finished cycle.
	OnCycle func(Outcome, error)
}

// Watch runs one cycle immediately, then again whenever the local file
// changes (ignoring the agent's own writes) or the interval elapses. It
// returns when ctx is done.
func (a *Agent) Watch(ctx context.Context, opts WatchOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic writes replace the file and drop a
	// watch held on the file itself.
	dir := filepath.Dir(a.file)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	cycle := func() {
		cycleCtx := ctx
		if opts.CycleTimeout > 0 {
			var cancel context.CancelFunc
			cycleCtx, cancel = context.WithTimeout(ctx, opts.CycleTimeout)
			defer cancel()
		}
		out, err := a.SyncOnce(cycleCtx)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn().Err(err).Msg("sync cycle failed")
		case err == nil:
			a.logger.Debug().Str("jobId", out.JobID).Bool("written", out.Written).Bool("stale", out.Stale).Msg("sync cycle completed")
		}
		if opts.OnCycle != nil {
			opts.OnCycle(out, err)
		}
	}

	var periodic <-chan time.Time
	var timer *time.Timer
	if opts.NextInterval != nil {
		timer = time.NewTimer(opts.NextInterval())
		defer timer.Stop()
		periodic = timer.C
	}
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	cycle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != a.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			settle.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(err).Msg("file watcher error")
		case <-settle.C:
			if a.OwnWrite() {
				continue
			}
			cycle()
		case <-periodic:
			cycle()
			timer.Reset(opts.NextInterval())
		}
	}
}
