// Package httpapi implements the orchestrator's HTTP control surface on
// chi. Worker-to-orchestrator endpoints are authenticated with a
// short-lived bearer token minted at registration; read-only and review
// endpoints are not. Handlers never do long-running background work;
// everything inside a request is a short queue operation plus at most
// one platform call.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/pipeline/internal/errs"
	"github.com/relayforge/pipeline/internal/logging"
	"github.com/relayforge/pipeline/internal/metrics"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/queue"
	"github.com/relayforge/pipeline/internal/version"
)

// Server holds the orchestrator's HTTP control surface state.
type Server struct {
	Queue        *queue.Queue
	Platform     platform.Client
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	MaxAttempts  int
	tokens       *tokenService
}

// NewServer constructs a Server. signingKey mints worker bearer tokens;
// it is loaded once at startup and never logged.
func NewServer(q *queue.Queue, plt platform.Client, reg *metrics.Registry, logger *slog.Logger, maxAttempts int, signingKey string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Queue:       q,
		Platform:    plt,
		Metrics:     reg,
		Logger:      logger,
		MaxAttempts: maxAttempts,
		tokens:      newTokenService(signingKey, 24*time.Hour),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.health)
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Post("/workers/register", s.registerWorker)
	r.Get("/workers", s.listWorkers)
	r.Get("/queue", s.getQueue)

	r.Get("/pr-review/status", s.prReviewStatus)
	r.Post("/pr-review/approved/{number}", s.prMarkApproved)
	r.Post("/pr-review/changes-requested/{number}", s.prMarkChangesRequested)
	r.Post("/pr-review/merged/{number}", s.prMarkMerged)

	r.Group(func(r chi.Router) {
		r.Use(s.requireWorkerAuth)
		r.Get("/work/next", s.workNext)
		r.Post("/work/complete", s.workComplete)
		r.Post("/work/failed", s.workFailed)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// health implements GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	pending, inProgress, _ := s.Queue.Snapshot()
	gate := s.Queue.GateStatus()
	workers := s.Queue.Workers()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version.Version,
		"workers":     len(workers),
		"in_progress": len(inProgress),
		"pending":     len(pending),
		"pr_review": map[string]any{
			"pending":            gate.Pending,
			"changes_requested":  gate.ChangesRequested,
			"approved":           gate.Approved,
			"queue_blocked":      gate.Blocked,
			"blocking_reason":    gate.Reason,
		},
	})
}

type registerRequest struct {
	WorkerID string `json:"worker_id"`
}

// registerWorker issues a worker bearer token and records the worker's
// registry entry.
func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	if err := s.Queue.RegisterWorker(req.WorkerID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	token, err := s.tokens.issue(req.WorkerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// listWorkers implements GET /workers.
func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queue.Workers())
}

// getQueue implements GET /queue: pending and completed as arrays,
// in_progress keyed by issue number.
func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	pending, inProgress, completed := s.Queue.Snapshot()
	inProgressByIssue := make(map[string]queue.WorkItem, len(inProgress))
	for _, item := range inProgress {
		inProgressByIssue[strconv.Itoa(item.IssueNumber)] = item
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":     pending,
		"in_progress": inProgressByIssue,
		"completed":   completed,
	})
}

// prReviewStatus implements GET /pr-review/status.
func (s *Server) prReviewStatus(w http.ResponseWriter, r *http.Request) {
	gate := s.Queue.GateStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":            s.Queue.PREntries(),
		"pending":            gate.Pending,
		"changes_requested":  gate.ChangesRequested,
		"approved":           gate.Approved,
		"queue_blocked":      gate.Blocked,
		"blocking_reason":    gate.Reason,
	})
}

func parsePRNumber(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "number"))
}

func (s *Server) prMarkApproved(w http.ResponseWriter, r *http.Request) {
	n, err := parsePRNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return
	}
	if err := s.Queue.MarkApproved(n); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) prMarkChangesRequested(w http.ResponseWriter, r *http.Request) {
	n, err := parsePRNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return
	}
	if err := s.Queue.MarkChangesRequested(n); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changes_requested"})
}

func (s *Server) prMarkMerged(w http.ResponseWriter, r *http.Request) {
	n, err := parsePRNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return
	}
	if err := s.Queue.MarkMerged(n); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "merged"})
}

// workNext implements GET /work/next with its three response shapes:
// blocked, empty, or an assigned work item.
func (s *Server) workNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	item, gate, err := s.Queue.NextFor(workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		if gate.Blocked {
			writeJSON(w, http.StatusOK, map[string]any{"work_available": false, "blocked": true, "reason": gate.Reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"work_available": false})
		return
	}

	if s.Platform != nil {
		owner, repo, err := platform.SplitRepository(item.Repository)
		if err == nil {
			if err := s.Platform.AddLabel(r.Context(), owner, repo, item.IssueNumber, "in-progress"); err != nil {
				s.Logger.Warn("labeling in-progress failed", "issue", item.IssueNumber, "error", err)
			}
			if err := s.Platform.RemoveLabel(r.Context(), owner, repo, item.IssueNumber, "ready"); err != nil {
				s.Logger.Warn("removing ready label failed", "issue", item.IssueNumber, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"work_available": true,
		"issue_number":   item.IssueNumber,
		"title":          item.Title,
		"body":           item.Body,
		"labels":         item.Labels,
		"branch_name":    item.FeatureBranch,
		"repository":     item.Repository,
	})
}

type completeRequest struct {
	WorkerID    string `json:"worker_id"`
	IssueNumber int    `json:"issue_number"`
	PRURL       string `json:"pr_url"`
	PRNumber    int    `json:"pr_number"`
	Success     bool   `json:"success"`
	Repository  string `json:"repository"`
}

// workComplete implements POST /work/complete.
func (s *Server) workComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.Queue.ReportSuccess(req.WorkerID, req.Repository, req.IssueNumber, req.PRURL, req.PRNumber); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Platform != nil {
		if owner, repo, err := platform.SplitRepository(req.Repository); err == nil {
			if err := s.Platform.AddLabel(r.Context(), owner, repo, req.IssueNumber, "completed"); err != nil {
				s.Logger.Warn("labeling completed failed", "issue", req.IssueNumber, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type failedRequest struct {
	WorkerID    string `json:"worker_id"`
	IssueNumber int    `json:"issue_number"`
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Repository  string `json:"repository"`
}

// workFailed implements POST /work/failed.
func (s *Server) workFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	kind := errs.Kind(req.Kind)
	if kind == "" {
		kind = errs.KindNonZeroExit
	}
	if err := s.Queue.ReportFailure(req.WorkerID, req.Repository, req.IssueNumber, kind, req.Error, s.MaxAttempts); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Metrics != nil {
		s.Metrics.AgentErrors.WithLabelValues("pipeline", string(kind)).Inc()
	}

	if s.Platform != nil && !kind.Transient() {
		pending, inProgress, _ := s.Queue.Snapshot()
		if !itemLiveFor(req.Repository, req.IssueNumber, pending, inProgress) {
			if owner, repo, err := platform.SplitRepository(req.Repository); err == nil {
				// The detail may quote git stderr, which can echo an
				// authenticated clone URL; redact before it leaves the
				// process as a public comment.
				detail := logging.Redact(req.Error)
				if len(detail) > 200 {
					detail = detail[:200]
				}
				comment := "Automated pipeline failed: " + string(kind) + ": " + detail
				if err := s.Platform.AddLabel(r.Context(), owner, repo, req.IssueNumber, "failed"); err != nil {
					s.Logger.Warn("labeling failed failed", "issue", req.IssueNumber, "error", err)
				}
				if err := s.Platform.CreateComment(r.Context(), owner, repo, req.IssueNumber, comment); err != nil {
					s.Logger.Warn("commenting failure failed", "issue", req.IssueNumber, "error", err)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func itemLiveFor(repository string, issueNumber int, pending, inProgress []queue.WorkItem) bool {
	for _, item := range pending {
		if item.Repository == repository && item.IssueNumber == issueNumber {
			return true
		}
	}
	for _, item := range inProgress {
		if item.Repository == repository && item.IssueNumber == issueNumber {
			return true
		}
	}
	return false
}
