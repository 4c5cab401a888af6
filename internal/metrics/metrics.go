// Package metrics registers the orchestrator's Prometheus collectors and
// appends the newline-delimited metrics stream under the log directory.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds this module's Prometheus collectors: cycle counts,
// agent invocations by role and error kind, and pipeline stage
// durations.
type Registry struct {
	PollCycles       prometheus.Counter
	IssuesEnqueued   prometheus.Counter
	AgentInvocations *prometheus.CounterVec
	AgentErrors      *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	WorkflowOutcomes *prometheus.CounterVec
	QueueBlocked     prometheus.Gauge
}

// NewRegistry constructs and registers a Registry against reg (pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to expose via promhttp.Handler()).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayforge_poll_cycles_total",
			Help: "Number of Issue Poller scan cycles completed.",
		}),
		IssuesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayforge_issues_enqueued_total",
			Help: "Number of new (repository, issue) pairs enqueued.",
		}),
		AgentInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayforge_agent_invocations_total",
			Help: "Agent Supervisor invocations by pipeline role.",
		}, []string{"role"}),
		AgentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayforge_agent_errors_total",
			Help: "Agent Supervisor invocation failures by role and error kind.",
		}, []string{"role", "kind"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relayforge_pipeline_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline phase.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"role"}),
		WorkflowOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayforge_workflow_outcomes_total",
			Help: "Terminal workflow outcomes by status.",
		}, []string{"status"}),
		QueueBlocked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayforge_queue_blocked",
			Help: "1 when the PR-Review Gate is blocking assignment, 0 otherwise.",
		}),
	}
}

// event is one line of the newline-delimited metrics stream.
type event struct {
	Time  time.Time      `json:"time"`
	Name  string         `json:"name"`
	Value float64        `json:"value"`
	Tags  map[string]any `json:"tags,omitempty"`
}

// Stream appends newline-delimited JSON metric events under a log
// directory. Append-only; writes are serialized by mu since multiple
// background loops may emit concurrently.
type Stream struct {
	mu   sync.Mutex
	path string
}

// NewStream creates dir if necessary and returns a Stream appending to
// <dir>/metrics.ndjson; the file itself is created by the first Emit.
func NewStream(dir string) (*Stream, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating metrics log directory: %w", err)
	}
	return &Stream{path: filepath.Join(dir, "metrics.ndjson")}, nil
}

// Emit appends one metric event to the stream.
func (s *Stream) Emit(name string, value float64, tags map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(event{Time: time.Now(), Name: name, Value: value, Tags: tags}); err != nil {
		return fmt.Errorf("encoding metric event: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening metrics stream: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending to metrics stream: %w", err)
	}
	return nil
}
