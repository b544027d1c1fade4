// Package jtag programs logic-only FPGAs over JTAG with Xilinx xsdb: configure the
// fabric from a bitstream, then download and start a Microblaze kernel.
package jtag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
)

// Default configuration values.
const (
	DefaultVivadoPath       = "/tools/Xilinx/Vivado"
	DefaultRootTarget       = 1
	DefaultMicroblazeTarget = 3
	DefaultScriptTimeout    = 5 * time.Minute
)

// Config selects the xsdb binary and the JTAG targets.
type Config struct {
	// XSDBPath overrides discovery under VivadoPath.
	XSDBPath   string
	VivadoPath string
	// Version picks <VivadoPath>/<Version>; empty means the newest installed.
	Version string
	// HWServer is an optional hw_server URL, e.g. tcp:lab-host:3121.
	HWServer         string
	RootTarget       int
	MicroblazeTarget int
	ScriptTimeout    time.Duration
}

// XSDB implements capability.JTAGProgrammer.
type XSDB struct {
	cfg    Config
	runner hostcmd.Runner
}

// New resolves the xsdb binary and applies defaults.
func New(cfg Config, runner hostcmd.Runner) (*XSDB, error) {
	if cfg.RootTarget == 0 {
		cfg.RootTarget = DefaultRootTarget
	}
	if cfg.MicroblazeTarget == 0 {
		cfg.MicroblazeTarget = DefaultMicroblazeTarget
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = DefaultScriptTimeout
	}
	if cfg.XSDBPath == "" {
		if cfg.VivadoPath == "" {
			cfg.VivadoPath = DefaultVivadoPath
		}
		path, err := FindXSDB(cfg.VivadoPath, cfg.Version)
		if err != nil {
			return nil, err
		}
		cfg.XSDBPath = path
	}
	if runner == nil {
		runner = hostcmd.Exec{Timeout: cfg.ScriptTimeout}
	}

	slog.Info("jtag_init", "xsdb", cfg.XSDBPath, "root_target", cfg.RootTarget, "microblaze_target", cfg.MicroblazeTarget)
	return &XSDB{cfg: cfg, runner: runner}, nil
}

// FindXSDB locates bin/xsdb of a Vivado installation. Without a version the
// lexically greatest version directory wins.
func FindXSDB(vivadoPath, version string) (string, error) {
	if version == "" {
		entries, err := os.ReadDir(vivadoPath)
		if err != nil {
			return "", errors.Configuration("jtag: vivado path %s: %v", vivadoPath, err)
		}
		var versions []string
		for _, e := range entries {
			if e.IsDir() {
				versions = append(versions, e.Name())
			}
		}
		if len(versions) == 0 {
			return "", errors.Configuration("jtag: no Vivado versions found in %s", vivadoPath)
		}
		slices.Sort(versions)
		version = versions[len(versions)-1]
	}

	xsdb := filepath.Join(vivadoPath, version, "bin", "xsdb")
	if _, err := os.Stat(xsdb); err != nil {
		return "", errors.Configuration("jtag: xsdb not found at %s", xsdb)
	}
	return xsdb, nil
}

// FlashBitstream configures the fabric through the root target.
func (x *XSDB) FlashBitstream(ctx context.Context, path string) error {
	if err := checkFile(path, "bitstream"); err != nil {
		return err
	}
	slog.Info("jtag_flash_bitstream", "bitstream", path)
	return x.run(ctx, "flash bitstream", x.connect()+
		fmt.Sprintf("targets %d\nafter 1000\nfpga -f %s\nafter 2000\nputs \"bitstream flashed\"\n",
			x.cfg.RootTarget, tclQuote(path)))
}

// LoadAndStartKernel downloads the kernel into Microblaze memory, resumes the
// core and disconnects.
func (x *XSDB) LoadAndStartKernel(ctx context.Context, path string) error {
	if err := checkFile(path, "kernel"); err != nil {
		return err
	}
	slog.Info("jtag_load_kernel", "kernel", path)
	return x.run(ctx, "load kernel", x.connect()+
		fmt.Sprintf("targets %d\nafter 1000\ndow %s\nafter 1000\ncon\nafter 500\ndisconnect\nputs \"kernel started\"\n",
			x.cfg.MicroblazeTarget, tclQuote(path)))
}

func (x *XSDB) connect() string {
	if x.cfg.HWServer != "" {
		return fmt.Sprintf("connect -url %s\nafter 1000\n", x.cfg.HWServer)
	}
	return "connect\nafter 1000\n"
}

func (x *XSDB) run(ctx context.Context, op, script string) error {
	f, err := os.CreateTemp("", "bringup-*.tcl")
	if err != nil {
		return errors.Wrap(err, "failed to create xsdb script")
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write xsdb script")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to write xsdb script")
	}

	start := time.Now()
	out, err := x.runner.Run(ctx, x.cfg.XSDBPath, f.Name())
	if err != nil {
		slog.Error("jtag_script_failed", "op", op, "output", strings.TrimSpace(out), "error", err)
		return errors.Hardware("jtag "+op, x.cfg.XSDBPath, err)
	}
	slog.Info("jtag_script_complete", "op", op, "duration", time.Since(start))
	return nil
}

func checkFile(path, what string) error {
	if path == "" {
		return errors.Configuration("jtag: %s path is required", what)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Configuration("jtag: %s not found: %s", what, path)
	}
	return nil
}

// tclQuote wraps p in braces so spaces and brackets reach xsdb verbatim.
func tclQuote(p string) string {
	return "{" + p + "}"
}
