package metrics

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
)

func event(stage string, attempt int) engine.StageEvent {
	start := time.Now()
	return engine.StageEvent{
		Run:      "run-1",
		Workflow: "sdmux",
		Stage:    engine.Stage(stage),
		Target:   "shell",
		Attempt:  attempt,
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
	}
}

func TestStageMetrics_Counts(t *testing.T) {
	m := NewStageMetrics()
	ctx := context.Background()

	for _, s := range []string{"powered_off", "sd_mux_to_host"} {
		ev := event(s, 1)
		m.StageStarted(ctx, ev)
		m.StageFinished(ctx, ev, nil)
	}

	ev := event("booting", 1)
	m.StageStarted(ctx, ev)
	m.StageFinished(ctx, ev, &errors.DeadlineError{What: "console marker", Attempts: 3})

	if got := testutil.ToFloat64(m.stageRuns.WithLabelValues("sdmux", "powered_off", StatusOK)); got != 1 {
		t.Errorf("powered_off ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stageRuns.WithLabelValues("sdmux", "booting", StatusDeadline)); got != 1 {
		t.Errorf("booting deadline runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inProgress.WithLabelValues("sdmux")); got != 0 {
		t.Errorf("in progress = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.currentStage.WithLabelValues("sdmux", "sd_mux_to_host")); got != 1 {
		t.Errorf("current stage gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.currentStage.WithLabelValues("sdmux", "powered_off")); got != 0 {
		t.Errorf("previous stage gauge = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.stageDuration); n != 3 {
		t.Errorf("duration series = %d, want 3", n)
	}
}

func TestStageMetrics_Repeats(t *testing.T) {
	m := NewStageMetrics()
	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		ev := event("update_primary_files", attempt)
		m.StageStarted(ctx, ev)
		m.StageFinished(ctx, ev, nil)
	}

	if got := testutil.ToFloat64(m.stageRepeats.WithLabelValues("sdmux", "update_primary_files")); got != 2 {
		t.Errorf("repeats = %v, want 2", got)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusOK},
		{context.Canceled, StatusCancelled},
		{&errors.StageError{Workflow: "ssh", Stage: "booting", Err: &errors.DeadlineError{What: "x"}}, StatusDeadline},
		{errors.Configuration("no console"), StatusConfig},
		{errors.InvalidState("not mounted"), StatusInvalidState},
		{errors.Hardware("power on", "pdu", &errors.CommandError{Command: "pdu"}), StatusHardware},
		{&errors.CommandError{Command: "iio_attr"}, StatusCommand},
		{fmt.Errorf("boom"), StatusError},
	}

	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStageMetrics_Export(t *testing.T) {
	m := NewStageMetrics()
	ev := event("powered_off", 1)
	m.StageStarted(context.Background(), ev)
	m.StageFinished(context.Background(), ev, nil)

	path := filepath.Join(t.TempDir(), "bringup.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `bringup_stage_runs_total{stage="powered_off",status="ok",workflow="sdmux"} 1`) {
		t.Errorf("textfile missing stage counter:\n%s", data)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "bringup_stage_duration_seconds") {
		t.Errorf("handler output missing histogram:\n%s", rec.Body.String())
	}
}
