package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
)

const syncCommand = "iio_attr -d axi-ad9081-rx-hpc jesd204_fsm_state"

type selMapRig struct {
	rec     *recorder
	power   *fakePower
	console *fakeShell
	ssh     *fakeShell
	// remote holds the sha256 of each file on the board
	remote map[string]string
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newSelMapRig(t *testing.T, cfg SelMapConfig) (*selMapRig, *engine.Instance) {
	t.Helper()

	rec := &recorder{}
	console := newFakeShell("console", rec)
	console.reply("ip -4 -o addr show eth0", ipAddrOutput)

	ssh := newFakeShell("ssh", rec)
	ssh.addr = "10.0.0.7"

	rig := &selMapRig{
		rec:     rec,
		console: console,
		ssh:     ssh,
		power:   &fakePower{rec: rec, onOn: func() { console.emit(bootLog) }},
		remote:  make(map[string]string),
	}

	// sha256sum on the board answers from rig.remote; uploads update it
	for _, remote := range cfg.PreBootFiles {
		ssh.handle("sha256sum "+remote, func() (string, error) {
			sum, ok := rig.remote[remote]
			if !ok {
				return "sha256sum: " + remote + ": No such file or directory", &errors.CommandError{Command: "sha256sum", ExitCode: 1}
			}
			return sum + "  " + remote + "\n", nil
		})
	}
	ssh.onPut = func(local, remote string) {
		sum, err := fileSHA256(local)
		if err != nil {
			t.Errorf("hash %s: %v", local, err)
		}
		rig.remote[remote] = sum
	}

	ssh.reply("iio_attr -d axi-ad9081-rx-hpc name", "axi-ad9081-rx-hpc\n")
	ssh.reply(syncCommand, "opt_post_running_stage\n")

	cfg.Boot = fastBoot("analog login:")
	if cfg.TriggerCommand == "" {
		cfg.TriggerCommand = "/usr/local/bin/selmap_load.sh"
	}
	if cfg.Device == "" {
		cfg.Device = "axi-ad9081-rx-hpc"
	}
	if cfg.DeviceTimeout == 0 {
		cfg.DeviceTimeout = 100 * time.Millisecond
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 300 * time.Millisecond
	}

	inst, err := NewSelMapBoot(SelMapBindings{Power: rig.power, Console: console, SSH: ssh}, cfg)
	if err != nil {
		t.Fatalf("NewSelMapBoot: %v", err)
	}
	return rig, inst
}

func TestSelMapBoot_ShellFromUnknown(t *testing.T) {
	dir := t.TempDir()
	bootBin := writeArtifact(t, dir, "BOOT.BIN", "zynq boot image v2")
	virtex := writeArtifact(t, dir, "virtex.bin", "virtex bitstream")

	rig, inst := newSelMapRig(t, SelMapConfig{
		PreBootFiles:  map[string]string{bootBin: "/boot/BOOT.BIN"},
		PostBootFiles: map[string]string{virtex: "/lib/firmware/virtex.bin"},
	})

	states := []string{"opt_initial", "opt_link_setup", "opt_post_running_stage"}
	rig.ssh.handle(syncCommand, func() (string, error) {
		state := states[0]
		if len(states) > 1 {
			states = states[1:]
		}
		return state + "\n", nil
	})

	if err := inst.Transition(context.Background(), Shell); err != nil {
		t.Fatalf("Transition(shell): %v", err)
	}
	if inst.Stage() != Shell {
		t.Errorf("expected shell, got %s", inst.Stage())
	}

	// BOOT.BIN was missing on the board: one upload, one restart, then converged
	if n := rig.rec.count("ssh_put:" + bootBin + "->/boot/BOOT.BIN"); n != 1 {
		t.Errorf("expected one primary upload, got %d", n)
	}
	if n := rig.rec.count("power_on"); n != 2 {
		t.Errorf("expected the primary to boot twice, got %d", n)
	}
	if n := rig.rec.count("ssh_put:" + virtex + "->/lib/firmware/virtex.bin"); n != 1 {
		t.Errorf("expected one secondary upload, got %d", n)
	}
	if n := rig.rec.count("ssh_run:/usr/local/bin/selmap_load.sh"); n != 1 {
		t.Errorf("expected one trigger, got %d", n)
	}
}

func TestSelMapBoot_PrimaryFilesAlreadyCurrent(t *testing.T) {
	dir := t.TempDir()
	bootBin := writeArtifact(t, dir, "BOOT.BIN", "zynq boot image v2")

	rig, inst := newSelMapRig(t, SelMapConfig{
		PreBootFiles: map[string]string{bootBin: "/boot/BOOT.BIN"},
	})
	sum, err := fileSHA256(bootBin)
	if err != nil {
		t.Fatal(err)
	}
	rig.remote["/boot/BOOT.BIN"] = sum

	if err := inst.Transition(context.Background(), UpdateSecondaryFiles); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if n := rig.rec.count("power_on"); n != 1 {
		t.Errorf("no restart expected, got %d boots", n)
	}
	for _, c := range rig.rec.calls {
		if strings.HasPrefix(c, "ssh_put:") {
			t.Errorf("unexpected upload %s", c)
		}
	}
}

func TestSelMapBoot_PrimaryLoopBounded(t *testing.T) {
	for _, restarts := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("max %d", restarts), func(t *testing.T) {
			dir := t.TempDir()
			bootBin := writeArtifact(t, dir, "BOOT.BIN", "zynq boot image v2")
			put := "ssh_put:" + bootBin + "->/boot/BOOT.BIN"

			rig, inst := newSelMapRig(t, SelMapConfig{
				PreBootFiles:       map[string]string{bootBin: "/boot/BOOT.BIN"},
				MaxPrimaryRestarts: restarts,
			})
			// the board never keeps the file
			rig.ssh.onPut = nil

			err := inst.Transition(context.Background(), Shell)
			if !errors.Is(err, errors.ErrDeadlineExceeded) {
				t.Fatalf("expected deadline exceeded, got %v", err)
			}

			var se *errors.StageError
			if !errors.As(err, &se) || se.Stage != string(UpdatePrimaryFiles) {
				t.Errorf("expected failure in update_primary_files, got %v", err)
			}
			var de *errors.DeadlineError
			if !errors.As(err, &de) || de.Attempts != restarts {
				t.Errorf("expected %d restarts in the deadline error, got %v", restarts, err)
			}
			if inst.Stage() != BootedPrimary {
				t.Errorf("expected booted_primary, got %s", inst.Stage())
			}
			// initial boot plus one boot per allowed restart
			if n := rig.rec.count("power_on"); n != 1+restarts {
				t.Errorf("expected %d boots, got %d", 1+restarts, n)
			}
			if n := rig.rec.count(put); n != restarts {
				t.Errorf("expected %d uploads, got %d", restarts, n)
			}

			// a new transition gets a fresh budget
			if err := inst.Transition(context.Background(), Shell); !errors.Is(err, errors.ErrDeadlineExceeded) {
				t.Fatalf("second transition: expected deadline exceeded, got %v", err)
			}
			if n := rig.rec.count(put); n != 2*restarts {
				t.Errorf("expected %d uploads after two transitions, got %d", 2*restarts, n)
			}
		})
	}
}

func TestSelMapBoot_DeviceNeverAppearsFailsFast(t *testing.T) {
	rig, inst := newSelMapRig(t, SelMapConfig{
		DeviceTimeout: 50 * time.Millisecond,
		SyncTimeout:   5 * time.Second,
	})
	rig.ssh.handle("iio_attr -d axi-ad9081-rx-hpc name", func() (string, error) {
		return "", &errors.CommandError{Command: "iio_attr", Output: "ERROR: could not find device", ExitCode: 1}
	})

	start := time.Now()
	err := inst.Transition(context.Background(), BootedSecondary)
	elapsed := time.Since(start)

	var de *errors.DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeadlineError, got %v", err)
	}
	if !strings.Contains(de.What, "device") || de.Timeout != 50*time.Millisecond {
		t.Errorf("expected the device bound to expire, got %q after %s", de.What, de.Timeout)
	}
	if elapsed > 2*time.Second {
		t.Errorf("device phase should fail at its short bound, took %s", elapsed)
	}
	if rig.rec.count("ssh_run:"+syncCommand) != 0 {
		t.Error("sync must not be polled before the device appears")
	}
	if inst.Stage() != TriggerSecondaryBoot {
		t.Errorf("expected trigger_secondary_boot, got %s", inst.Stage())
	}
}

func TestSelMapBoot_SyncNeverReached(t *testing.T) {
	rig, inst := newSelMapRig(t, SelMapConfig{SyncTimeout: 50 * time.Millisecond})
	rig.ssh.reply(syncCommand, "opt_link_setup\n")

	err := inst.Transition(context.Background(), Shell)
	var de *errors.DeadlineError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeadlineError, got %v", err)
	}
	if !strings.Contains(de.LastObserved.Error(), "opt_link_setup") {
		t.Errorf("last observed state missing: %v", de.LastObserved)
	}
	if inst.Stage() != TriggerSecondaryBoot {
		t.Errorf("expected trigger_secondary_boot, got %s", inst.Stage())
	}
}

func TestSelMapBoot_DeviceMissingOutput(t *testing.T) {
	rig, inst := newSelMapRig(t, SelMapConfig{DeviceTimeout: 30 * time.Millisecond})
	rig.ssh.reply("iio_attr -d axi-ad9081-rx-hpc name", "ERROR: could not find device (axi-ad9081-rx-hpc)\n")

	if err := inst.Transition(context.Background(), WaitSecondaryBoot); !errors.Is(err, errors.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSelMapBoot_TriggerFailure(t *testing.T) {
	rig, inst := newSelMapRig(t, SelMapConfig{})
	rig.ssh.handle("/usr/local/bin/selmap_load.sh", func() (string, error) {
		return "selmap: DONE not asserted", &errors.CommandError{Command: "/usr/local/bin/selmap_load.sh", ExitCode: 2}
	})

	err := inst.Transition(context.Background(), Shell)
	if !errors.Is(err, errors.ErrCommandExecution) {
		t.Fatalf("expected command execution error, got %v", err)
	}
	if inst.Stage() != UpdateSecondaryFiles {
		t.Errorf("expected update_secondary_files, got %s", inst.Stage())
	}
	if rig.ssh.active {
		t.Error("ssh session should be released after a failure")
	}
}

func TestNewSelMapBoot_Configuration(t *testing.T) {
	rec := &recorder{}
	bindings := SelMapBindings{
		Power:   &fakePower{rec: rec},
		Console: newFakeShell("console", rec),
		SSH:     newFakeShell("ssh", rec),
	}

	tests := []struct {
		name string
		b    SelMapBindings
		cfg  SelMapConfig
	}{
		{"no trigger", bindings, SelMapConfig{Device: "dev"}},
		{"no device", bindings, SelMapConfig{TriggerCommand: "go"}},
		{"no ssh", SelMapBindings{Power: bindings.Power, Console: bindings.Console}, SelMapConfig{Device: "dev", TriggerCommand: "go"}},
		{"negative bound", bindings, SelMapConfig{Device: "dev", TriggerCommand: "go", MaxPrimaryRestarts: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSelMapBoot(tt.b, tt.cfg); !errors.Is(err, errors.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}

	s, err := newSelMapBoot(bindings, SelMapConfig{Device: "dev", TriggerCommand: "go"})
	if err != nil {
		t.Fatalf("newSelMapBoot: %v", err)
	}
	if s.cfg.SyncCommand != "iio_attr -d dev jesd204_fsm_state" {
		t.Errorf("unexpected default sync command %q", s.cfg.SyncCommand)
	}
	if s.cfg.MaxPrimaryRestarts != DefaultMaxPrimaryRestarts {
		t.Errorf("unexpected default restart bound %d", s.cfg.MaxPrimaryRestarts)
	}
}
