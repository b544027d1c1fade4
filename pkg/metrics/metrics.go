// Package metrics exports stage progress as prometheus metrics. StageMetrics is an
// engine observer; the CLI writes its registry to a node_exporter textfile after a run.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
)

const namespace = "bringup"

// Stage result labels.
const (
	StatusOK           = "ok"
	StatusDeadline     = "deadline"
	StatusHardware     = "hardware"
	StatusCommand      = "command"
	StatusConfig       = "configuration"
	StatusInvalidState = "invalid_state"
	StatusCancelled    = "cancelled"
	StatusError        = "error"
)

// StageMetrics records stage runs. It owns its registry so several runs in one
// process, or tests, never collide on the default registerer.
type StageMetrics struct {
	registry *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRepeats  *prometheus.CounterVec
	inProgress    *prometheus.GaugeVec
	currentStage  *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]string
}

// NewStageMetrics creates the collectors and registers them on a fresh registry.
func NewStageMetrics() *StageMetrics {
	m := &StageMetrics{
		registry: prometheus.NewRegistry(),
		last:     map[string]string{},

		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Stage actions run, by result",
			},
			[]string{"workflow", "stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage actions in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"workflow", "stage"},
		),
		stageRepeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_repeats_total",
				Help:      "Extra passes of self-loop stages",
			},
			[]string{"workflow", "stage"},
		),
		inProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_in_progress",
				Help:      "Stage actions currently running",
			},
			[]string{"workflow"},
		),
		currentStage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_stage",
				Help:      "Last stage completed per workflow (1 for the current stage)",
			},
			[]string{"workflow", "stage"},
		),
	}

	m.registry.MustRegister(m.stageRuns, m.stageDuration, m.stageRepeats, m.inProgress, m.currentStage)
	return m
}

func (m *StageMetrics) StageStarted(_ context.Context, ev engine.StageEvent) {
	m.inProgress.WithLabelValues(ev.Workflow).Inc()
	if ev.Attempt > 1 {
		m.stageRepeats.WithLabelValues(ev.Workflow, ev.Stage.String()).Inc()
	}
}

func (m *StageMetrics) StageFinished(_ context.Context, ev engine.StageEvent, err error) {
	m.inProgress.WithLabelValues(ev.Workflow).Dec()
	m.stageRuns.WithLabelValues(ev.Workflow, ev.Stage.String(), Status(err)).Inc()
	m.stageDuration.WithLabelValues(ev.Workflow, ev.Stage.String()).Observe(ev.Finished.Sub(ev.Started).Seconds())

	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[ev.Workflow]; ok && prev != ev.Stage.String() {
		m.currentStage.WithLabelValues(ev.Workflow, prev).Set(0)
	}
	m.currentStage.WithLabelValues(ev.Workflow, ev.Stage.String()).Set(1)
	m.last[ev.Workflow] = ev.Stage.String()
}

// Registry exposes the gatherer for exporters.
func (m *StageMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *StageMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
func (m *StageMetrics) WriteTextfile(path string) error {
	return errors.Wrap(prometheus.WriteToTextfile(path, m.registry), "failed to write metrics textfile")
}

// Status maps a stage error to its result label.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	case errors.Is(err, errors.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return StatusDeadline
	case errors.Is(err, errors.ErrConfiguration):
		return StatusConfig
	case errors.Is(err, errors.ErrInvalidState):
		return StatusInvalidState
	case errors.Is(err, errors.ErrHardwareOperation):
		return StatusHardware
	case errors.Is(err, errors.ErrCommandExecution):
		return StatusCommand
	default:
		return StatusError
	}
}
