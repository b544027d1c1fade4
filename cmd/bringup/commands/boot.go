package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fpgalab/bringup/internal/config"
	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/journal"
	"github.com/fpgalab/bringup/pkg/metrics"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// bootFlags are shared by every boot command.
type bootFlags struct {
	target string
	state  string
}

func (f *bootFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.target, "target", "t", "main", "Target name in config")
	cmd.Flags().StringVar(&f.state, "state", "shell", "Stage to transition to")
}

// artifactFlags replace single release files with local builds.
type artifactFlags struct {
	release    string
	kernel     string
	bootbin    string
	devicetree string
}

func (f *artifactFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.release, "release", "", "Release version in the S3 bucket (e.g. 2023_R2_P1)")
	cmd.Flags().StringVar(&f.kernel, "kernel", "", "Path to kernel image")
	cmd.Flags().StringVar(&f.bootbin, "bootbin", "", "Path to BOOT.BIN")
	cmd.Flags().StringVar(&f.devicetree, "devicetree", "", "Path to devicetree blob")
}

// apply sets the release version and returns the override files as absolute
// paths. Override files are copied after the release, so they replace release
// files of the same name.
func (f *artifactFlags) apply(t *config.Target) ([]string, error) {
	if f.release != "" {
		if t.Release == nil || t.Release.S3 == nil {
			return nil, errors.Configuration("--release needs an s3 release section")
		}
		slog.Info("release_override", "release", f.release)
		t.Release.S3.Release = f.release
	}

	var files []string
	for _, p := range []string{f.kernel, f.bootbin, f.devicetree} {
		if p == "" {
			continue
		}
		abs, err := existingFile(p)
		if err != nil {
			return nil, err
		}
		slog.Info("artifact_override", "path", abs)
		files = append(files, abs)
	}
	return files, nil
}

// parseMappings parses repeated local:remote flags, resolving local paths.
func parseMappings(values []string) ([]config.FileMapping, error) {
	var out []config.FileMapping
	for _, v := range values {
		m, err := config.ParseFileMapping(v)
		if err != nil {
			return nil, err
		}
		if m.Local, err = existingFile(m.Local); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func existingFile(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Wrap(err, "resolve "+p)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", errors.Configuration("%s: %v", p, err)
	}
	return abs, nil
}

// bootRequest is one boot invocation, filled from command flags or from the
// arguments of an MCP tool call. Only the fields of the chosen workflow apply.
type bootRequest struct {
	// config overrides --config when set.
	config    string
	target    string
	state     string
	artifacts artifactFlags
	// sdmux
	updateImage bool
	// selmap, local:remote mappings
	preBoot  []string
	postBoot []string
	// fabric
	bitstream string
	kernel    string
}

// bootWorkflow applies the overrides of r to the session's target and builds the
// workflow instance.
type bootWorkflow func(ctx context.Context, s *session, r bootRequest) (*engine.Instance, error)

// boot opens a session for r.target and drives the workflow to r.state. It returns
// the run id.
func boot(ctx context.Context, r bootRequest, build bootWorkflow) (string, error) {
	s, err := openSession(r.config, r.target)
	if err != nil {
		return "", err
	}
	defer s.Close()

	inst, err := build(ctx, s, r)
	if err != nil {
		return "", err
	}
	return s.transition(ctx, inst, r.state)
}

// bootFromCommand runs a boot for a command. Interrupts cancel the running stage.
func bootFromCommand(r bootRequest, build bootWorkflow) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := boot(ctx, r, build)
	if err != nil {
		return err
	}
	fmt.Printf("Reached %s on %s (run %s)\n", r.state, r.target, run)
	return nil
}

// session holds the configuration, journal and metrics around one boot.
type session struct {
	cfg     *config.Config
	builder *config.Builder
	journal *journal.Repository
	metrics *metrics.StageMetrics
}

func openSession(configPath, target string) (*session, error) {
	cfg, err := config.LoadFile(configPath, rootCmd.PersistentFlags())
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.Journal, cfg.CacheDir); err != nil {
		return nil, err
	}

	repo, err := journal.NewRepository(cfg.Journal)
	if err != nil {
		return nil, errors.Wrap(err, "journal init failed")
	}

	builder, err := config.NewBuilder(cfg, target, repo)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &session{
		cfg:     cfg,
		builder: builder,
		journal: repo,
		metrics: metrics.NewStageMetrics(),
	}, nil
}

func (s *session) observers() []engine.Observer {
	return []engine.Observer{s.journal, s.metrics}
}

func (s *session) Close() {
	if err := s.builder.Close(); err != nil {
		slog.Warn("console_close_failed", "target", s.builder.Name, "error", err)
	}
	if err := s.journal.Close(); err != nil {
		slog.Warn("journal_close_failed", "error", err)
	}
}

// transition drives inst to state under a new run id and returns the id.
func (s *session) transition(ctx context.Context, inst *engine.Instance, state string) (string, error) {
	run := uuid.NewString()
	ctx = engine.WithRun(ctx, run)

	slog.Info("transition_requested",
		"run", run,
		"workflow", inst.Workflow(),
		"target", s.builder.Name,
		"state", state,
	)

	start := time.Now()
	err := inst.TransitionTo(ctx, state)

	if path := s.cfg.MetricsTextfile; path != "" {
		if werr := s.metrics.WriteTextfile(path); werr != nil {
			slog.Warn("metrics_textfile_failed", "path", path, "error", werr)
		}
	}

	if err != nil {
		slog.Error("transition_failed",
			"run", run,
			"workflow", inst.Workflow(),
			"stage", inst.Stage(),
			"error", err,
		)
		return run, errors.Wrap(err, fmt.Sprintf("transition %s to %s failed", s.builder.Name, state))
	}

	slog.Info("transition_complete", "run", run, "workflow", inst.Workflow(), "stage", inst.Stage(), "duration", time.Since(start))
	return run, nil
}
