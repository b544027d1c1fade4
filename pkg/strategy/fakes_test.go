package strategy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
)

// recorder keeps the ordered capability calls of one test board.
type recorder struct {
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// without drops calls with any of the given prefixes.
func (r *recorder) without(prefixes ...string) []string {
	var out []string
	for _, c := range r.calls {
		if !slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(c, p) }) {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) reset() { r.calls = nil }

type fakePower struct {
	rec  *recorder
	onOn func()
	err  error
}

func (p *fakePower) On(ctx context.Context) error {
	p.rec.add("power_on")
	if p.err != nil {
		return p.err
	}
	if p.onOn != nil {
		p.onOn()
	}
	return nil
}

func (p *fakePower) Off(ctx context.Context) error {
	p.rec.add("power_off")
	return p.err
}

// fakeShell serves as serial console and as SSH shell.
type fakeShell struct {
	name string
	rec  *recorder

	active   bool
	pending  strings.Builder
	handlers map[string]func() (string, error)

	activateFailures int
	addr             string
	puts             map[string]string
	putErr           error
	onPut            func(local, remote string)
}

func newFakeShell(name string, rec *recorder) *fakeShell {
	return &fakeShell{
		name:     name,
		rec:      rec,
		handlers: make(map[string]func() (string, error)),
		puts:     make(map[string]string),
	}
}

func (s *fakeShell) emit(text string) { s.pending.WriteString(text) }

func (s *fakeShell) handle(cmd string, fn func() (string, error)) { s.handlers[cmd] = fn }

func (s *fakeShell) reply(cmd, out string) {
	s.handle(cmd, func() (string, error) { return out, nil })
}

func (s *fakeShell) Activate(ctx context.Context) error {
	if s.activateFailures > 0 {
		s.activateFailures--
		s.rec.add("%s_activate_refused", s.name)
		return fmt.Errorf("connection refused")
	}
	s.rec.add("%s_activate", s.name)
	s.active = true
	return nil
}

func (s *fakeShell) Deactivate(ctx context.Context) error {
	s.rec.add("%s_deactivate", s.name)
	s.active = false
	return nil
}

func (s *fakeShell) Run(ctx context.Context, cmd string) (string, error) {
	s.rec.add("%s_run:%s", s.name, cmd)
	if fn, ok := s.handlers[cmd]; ok {
		return fn()
	}
	return "", nil
}

func (s *fakeShell) PutFile(ctx context.Context, local, remote string) error {
	s.rec.add("%s_put:%s->%s", s.name, local, remote)
	if s.putErr != nil {
		return s.putErr
	}
	s.puts[remote] = local
	if s.onPut != nil {
		s.onPut(local, remote)
	}
	return nil
}

func (s *fakeShell) GetFile(ctx context.Context, remote, local string) error {
	s.rec.add("%s_get:%s->%s", s.name, remote, local)
	return nil
}

func (s *fakeShell) ReadConsole(ctx context.Context) (string, error) {
	out := s.pending.String()
	s.pending.Reset()
	return out, nil
}

func (s *fakeShell) Address() string { return s.addr }

func (s *fakeShell) SetAddress(host string) {
	s.rec.add("%s_retarget:%s", s.name, host)
	s.addr = host
}

type fakeMux struct{ rec *recorder }

func (m *fakeMux) SwitchToHost(ctx context.Context) error {
	m.rec.add("mux_host")
	return nil
}

func (m *fakeMux) SwitchToTarget(ctx context.Context) error {
	m.rec.add("mux_target")
	return nil
}

type fakeStorage struct {
	rec     *recorder
	mounted bool
	copyErr error
}

func (s *fakeStorage) Mount(ctx context.Context) error {
	s.rec.add("mount")
	s.mounted = true
	return nil
}

func (s *fakeStorage) Unmount(ctx context.Context) error {
	s.rec.add("unmount")
	s.mounted = false
	return nil
}

func (s *fakeStorage) Mounted() bool { return s.mounted }

func (s *fakeStorage) CopyFile(ctx context.Context, local, remote string) error {
	if !s.mounted {
		return errors.InvalidState("medium not mounted")
	}
	s.rec.add("copy:%s->%s", local, remote)
	return s.copyErr
}

type fakeImage struct {
	rec  *recorder
	path string
}

func (i *fakeImage) Image(ctx context.Context) (string, error) { return i.path, nil }

func (i *fakeImage) WriteImage(ctx context.Context, image string) error {
	i.rec.add("write_image:%s", image)
	return nil
}

type fakeRelease struct{ files []string }

func (r *fakeRelease) BootFiles(ctx context.Context) ([]string, error) { return r.files, nil }

type fakeJTAG struct {
	rec    *recorder
	onBoot func()
}

func (j *fakeJTAG) FlashBitstream(ctx context.Context, path string) error {
	j.rec.add("flash:%s", path)
	return nil
}

func (j *fakeJTAG) LoadAndStartKernel(ctx context.Context, path string) error {
	j.rec.add("kernel:%s", path)
	if j.onBoot != nil {
		j.onBoot()
	}
	return nil
}

const bootLog = "U-Boot 2023.01\nStarting kernel ...\n[    0.000000] Linux version 6.1.0\n...\nanalog login: "

// fastBoot keeps every wait short enough for unit tests.
func fastBoot(marker string) BootParams {
	return BootParams{
		KernelMarker:    "Linux",
		BootMarker:      marker,
		BootTimeout:     300 * time.Millisecond,
		KernelTimeout:   300 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		SettleDelay:     time.Nanosecond,
		ShutdownMarker:  "Power down",
		ShutdownTimeout: 100 * time.Millisecond,
	}
}
