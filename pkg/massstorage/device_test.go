package massstorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fpgalab/bringup/pkg/errors"
)

func mountedDevice(t *testing.T) *Device {
	t.Helper()
	d, err := newDevice(Config{Path: "/dev/sdz1", MediaRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	if err := os.MkdirAll(d.MountPoint(), 0755); err != nil {
		t.Fatal(err)
	}
	d.mounted = true
	return d
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCopyFile_RequiresMount(t *testing.T) {
	d, err := newDevice(Config{Path: "/dev/sdz1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = d.CopyFile(context.Background(), "BOOT.BIN", "/BOOT.BIN")
	if !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestCopyFile(t *testing.T) {
	d := mountedDevice(t)
	src := writeFile(t, "system.dtb", "dtb")

	tests := []struct {
		remote string
		want   string
	}{
		{"/system.dtb", "system.dtb"},
		{"overlays/system.dtb", "overlays/system.dtb"},
		{"/a/b/../system.dtb", "a/system.dtb"},
	}

	for _, tt := range tests {
		if err := d.CopyFile(context.Background(), src, tt.remote); err != nil {
			t.Fatalf("CopyFile(%s): %v", tt.remote, err)
		}
		data, err := os.ReadFile(filepath.Join(d.MountPoint(), tt.want))
		if err != nil || string(data) != "dtb" {
			t.Errorf("%s: expected copy at %s, got %q, %v", tt.remote, tt.want, data, err)
		}
	}
}

func TestCopyFile_RejectsEscape(t *testing.T) {
	d := mountedDevice(t)
	src := writeFile(t, "Image", "kernel")

	for _, remote := range []string{"../../etc/passwd", "/", ""} {
		if err := d.CopyFile(context.Background(), src, remote); err == nil {
			t.Errorf("CopyFile(%q) should fail", remote)
		}
	}
}

func TestCopyFile_MissingSource(t *testing.T) {
	d := mountedDevice(t)
	if err := d.CopyFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "/Image"); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestConfigDefaults(t *testing.T) {
	d, err := newDevice(Config{Path: "/dev/sdz1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.cfg.Disk != "/dev/sdz1" {
		t.Errorf("disk should default to path, got %s", d.cfg.Disk)
	}
	if d.MountPoint() != "/media/"+DefaultLabel {
		t.Errorf("unexpected mount point %s", d.MountPoint())
	}

	if _, err := newDevice(Config{}, nil); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
