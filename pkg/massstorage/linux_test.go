//go:build linux
// +build linux

package massstorage

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
)

type recordingRunner struct {
	calls []string
	fail  map[string]error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	return "", r.fail[name]
}

var _ hostcmd.Runner = (*recordingRunner)(nil)

func TestMountUnmount(t *testing.T) {
	node := writeFile(t, "sdz1", "")
	r := &recordingRunner{}
	d, err := New(Config{Path: node, Label: "zcu102"}, r)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := d.Mount(ctx); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := d.Mount(ctx); err != nil {
		t.Fatalf("second Mount: %v", err)
	}
	if !d.Mounted() {
		t.Fatal("expected mounted")
	}
	if err := d.Unmount(ctx); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if err := d.Unmount(ctx); err != nil {
		t.Fatalf("second Unmount: %v", err)
	}

	want := []string{"pmount " + node + " zcu102", "sync", "pumount zcu102"}
	if !reflect.DeepEqual(r.calls, want) {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
}

func TestMount_NodeNeverAppears(t *testing.T) {
	r := &recordingRunner{}
	d, err := New(Config{Path: filepath.Join(t.TempDir(), "missing"), AppearTimeout: 50 * time.Millisecond}, r)
	if err != nil {
		t.Fatal(err)
	}

	err = d.Mount(context.Background())
	if !errors.Is(err, errors.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(r.calls) != 0 || d.Mounted() {
		t.Errorf("pmount must not run without a device node: %v", r.calls)
	}
}

func TestMount_Failure(t *testing.T) {
	node := writeFile(t, "sdz1", "")
	r := &recordingRunner{fail: map[string]error{"pmount": &errors.CommandError{Command: "pmount", ExitCode: 4}}}
	d, err := New(Config{Path: node, MediaRoot: t.TempDir()}, r)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Mount(context.Background()); !errors.Is(err, errors.ErrHardwareOperation) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if d.Mounted() {
		t.Error("failed mount must leave the medium unmounted")
	}
}

func TestWriteImage(t *testing.T) {
	node := writeFile(t, "sdz", "")
	image := writeFile(t, "kuiper.img", "img")
	r := &recordingRunner{}
	d, err := New(Config{Path: node + "1", Disk: node}, r)
	if err != nil {
		t.Fatal(err)
	}

	d.mounted = true
	if err := d.WriteImage(context.Background(), image); !errors.Is(err, errors.ErrInvalidState) {
		t.Fatalf("expected invalid state while mounted, got %v", err)
	}

	d.mounted = false
	if err := d.WriteImage(context.Background(), image); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	want := []string{"dd if=" + image + " of=" + node + " bs=4M conv=fsync status=none", "sync"}
	if !reflect.DeepEqual(r.calls, want) {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
}
