package strategy

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
)

func TestFabricBoot_ShellFromUnknown(t *testing.T) {
	rec := &recorder{}
	console := newFakeShell("console", rec)
	console.reply("iio_attr -d axi-ad9081-rx-hpc name", "axi-ad9081-rx-hpc\n")

	inst, err := NewFabricBoot(FabricBindings{
		Power:   &fakePower{rec: rec},
		Console: console,
		JTAG:    &fakeJTAG{rec: rec, onBoot: func() { console.emit("Linux version 6.1\nvcu118 login: ") }},
	}, FabricConfig{
		Boot:         fastBoot(""),
		Bitstream:    "/artifacts/system_top.bit",
		Kernel:       "/artifacts/simpleImage.vcu118.strip",
		VerifyDevice: "axi-ad9081-rx-hpc",
	})
	if err != nil {
		t.Fatalf("NewFabricBoot: %v", err)
	}

	if err := inst.Transition(context.Background(), Shell); err != nil {
		t.Fatalf("Transition(shell): %v", err)
	}

	want := []string{
		"power_off",
		"power_on",
		"flash:/artifacts/system_top.bit",
		"kernel:/artifacts/simpleImage.vcu118.strip",
		"console_activate",
		"console_run:iio_attr -d axi-ad9081-rx-hpc name",
	}
	if got := rec.without("console_deactivate"); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected call sequence:\n got %v\nwant %v", got, want)
	}
}

func TestFabricBoot_DefaultMarkerIsLogin(t *testing.T) {
	rec := &recorder{}
	console := newFakeShell("console", rec)

	inst, err := NewFabricBoot(FabricBindings{
		Console: console,
		JTAG:    &fakeJTAG{rec: rec, onBoot: func() { console.emit("Linux version 6.1\nBusyBox v1.36\n") }},
	}, FabricConfig{Boot: fastBoot(""), Bitstream: "a.bit", Kernel: "a.elf"})
	if err != nil {
		t.Fatalf("NewFabricBoot: %v", err)
	}

	err = inst.Transition(context.Background(), Booted)
	var de *errors.DeadlineError
	if !errors.As(err, &de) || de.What != `console marker "login:"` {
		t.Fatalf("expected login marker deadline, got %v", err)
	}
	if inst.Stage() != FlashFPGA {
		t.Errorf("expected flash_fpga, got %s", inst.Stage())
	}
}

func TestFabricBoot_WithoutConsole(t *testing.T) {
	rec := &recorder{}
	boot := fastBoot("")
	boot.BootTimeout = 10 * time.Millisecond

	inst, err := NewFabricBoot(FabricBindings{JTAG: &fakeJTAG{rec: rec}},
		FabricConfig{Boot: boot, Bitstream: "a.bit", Kernel: "a.elf"})
	if err != nil {
		t.Fatalf("NewFabricBoot: %v", err)
	}
	ctx := context.Background()

	if err := inst.Transition(ctx, Booted); err != nil {
		t.Fatalf("Transition(booted): %v", err)
	}
	want := []string{"flash:a.bit", "kernel:a.elf"}
	if !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("expected %v, got %v", want, rec.calls)
	}

	err = inst.Transition(ctx, Shell)
	if !errors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("expected configuration error for shell without console, got %v", err)
	}
	if inst.Stage() != Booted {
		t.Errorf("expected booted, got %s", inst.Stage())
	}

	if err := inst.Transition(ctx, SoftOff); err != nil {
		t.Fatalf("Transition(soft_off): %v", err)
	}
}

func TestFabricBoot_VerifyDeviceMissing(t *testing.T) {
	rec := &recorder{}
	console := newFakeShell("console", rec)
	console.handle("iio_attr -d axi-ad9081-rx-hpc name", func() (string, error) {
		return "ERROR: could not find device", &errors.CommandError{Command: "iio_attr", ExitCode: 1}
	})

	inst, err := NewFabricBoot(FabricBindings{
		Console: console,
		JTAG:    &fakeJTAG{rec: rec, onBoot: func() { console.emit(bootLog) }},
	}, FabricConfig{
		Boot:          fastBoot("login:"),
		Bitstream:     "a.bit",
		Kernel:        "a.elf",
		VerifyDevice:  "axi-ad9081-rx-hpc",
		VerifyTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFabricBoot: %v", err)
	}

	err = inst.Transition(context.Background(), Shell)
	if !errors.Is(err, errors.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if inst.Stage() != Booted {
		t.Errorf("expected booted, got %s", inst.Stage())
	}
}

func TestNewFabricBoot_Configuration(t *testing.T) {
	rec := &recorder{}
	tests := []struct {
		name string
		b    FabricBindings
		cfg  FabricConfig
	}{
		{"no jtag", FabricBindings{}, FabricConfig{Bitstream: "a.bit", Kernel: "a.elf"}},
		{"no bitstream", FabricBindings{JTAG: &fakeJTAG{rec: rec}}, FabricConfig{Kernel: "a.elf"}},
		{"no kernel", FabricBindings{JTAG: &fakeJTAG{rec: rec}}, FabricConfig{Bitstream: "a.bit"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFabricBoot(tt.b, tt.cfg); !errors.Is(err, errors.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}
