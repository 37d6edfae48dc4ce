package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tasksync/internal/jobs"
)

const watchWriteTimeout = 5 * time.Second

// handleWatch streams a job view each time the job's status changes and
// closes the socket once the job is terminal.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, jobID, correlationID string) {
	if strings.TrimSpace(jobID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "jobId is required", correlationID)
		return
	}
	job, err := s.svc.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("jobId", jobID).Msg("watch upgrade failed")
		return
	}
	defer conn.CloseNow()

	// Clients never send frames; CloseRead handles their close and cancels ctx.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()

	var lastStatus jobs.Status
	for {
		if job.Status != lastStatus {
			if err := writeFrame(ctx, conn, job); err != nil {
				return
			}
			lastStatus = job.Status
		}
		if job.Status.Terminal() {
			_ = conn.Close(websocket.StatusNormalClosure, string(job.Status))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err = s.svc.Status(ctx, jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				_ = conn.Close(websocket.StatusPolicyViolation, "job expired")
				return
			}
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("jobId", jobID).Msg("watch status lookup failed")
				_ = conn.Close(websocket.StatusInternalError, "status lookup failed")
			}
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, job jobs.Job) error {
	writeCtx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, newJobView(job))
}
