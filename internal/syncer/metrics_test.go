package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentworkforce/tasksync/internal/coord"
	"github.com/agentworkforce/tasksync/internal/jobs"
)

func waitForMetric(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := testutil.ToFloat64(c)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected metric %v, got %v", want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMetricsCountJobsAndDrains(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	kv := coord.NewMemoryStore()
	svc := NewService(kv, newFakeRemote(), Options{LockTTL: time.Minute, JobTimeout: 2 * time.Second, Metrics: metrics})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		_ = kv.Close()
	})

	job, err := svc.Request(context.Background(), syncRequest("push", `{"tasks":[{"id":"T1","updatedAt":"2024-05-01T10:00:00Z"}]}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	waitForStatus(t, svc, job.ID, jobs.StatusDone)

	if got := testutil.ToFloat64(metrics.requested.WithLabelValues("push")); got != 1 {
		t.Fatalf("expected 1 requested push, got %v", got)
	}
	waitForMetric(t, metrics.completed.WithLabelValues("push", string(jobs.StatusDone)), 1)
	waitForMetric(t, metrics.drains.WithLabelValues("drained"), 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{"tasksync_jobs_requested_total", "tasksync_jobs_completed_total", "tasksync_job_duration_seconds"} {
		if !names[name] {
			t.Fatalf("expected %s to be registered, got %v", name, names)
		}
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.jobRequested("sync")
	m.jobCompleted("sync", "done", 1)
	m.drain("drained")
	m.lockEvent("busy")
	m.setQueueDepth(3)
	m.droppedRecords(2)
}
