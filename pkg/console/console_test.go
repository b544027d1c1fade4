package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
)

var commandLine = regexp.MustCompile(`^(.*); echo (__BRINGUP_RC_\d+)=\$\?__$`)

// fakeBoard serves one console connection: a boot banner, a getty login and a
// shell that understands a few commands.
func fakeBoard(t *testing.T, banner string, commands map[string]struct {
	out  string
	code int
}) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fmt.Fprint(conn, banner)
		state := "getty"
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			line := sc.Text()
			switch state {
			case "getty":
				fmt.Fprint(conn, "\r\nanalog login: ")
				state = "user"
			case "user":
				fmt.Fprintf(conn, "%s\r\nPassword: ", line)
				state = "password"
			case "password":
				if line != "analog" {
					fmt.Fprint(conn, "\r\nLogin incorrect\r\nanalog login: ")
					state = "user"
					continue
				}
				fmt.Fprint(conn, "\r\nroot@analog:~# ")
				state = "shell"
			case "shell":
				m := commandLine.FindStringSubmatch(line)
				fmt.Fprintf(conn, "%s\r\n", line)
				if m == nil {
					fmt.Fprint(conn, "root@analog:~# ")
					continue
				}
				res, ok := commands[m[1]]
				if !ok {
					res.out, res.code = "sh: "+m[1]+": not found\r\n", 127
				}
				fmt.Fprintf(conn, "%s%s=%d__\r\nroot@analog:~# ", res.out, m[2], res.code)
			}
		}
	}()
	return ln.Addr().String()
}

func newConsole(t *testing.T, addr string) *TCPConsole {
	t.Helper()
	c, err := New(Config{
		Address:        addr,
		Username:       "root",
		Password:       "analog",
		LoginTimeout:   2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTCPConsole_LoginAndRun(t *testing.T) {
	addr := fakeBoard(t, "Starting kernel ...\r\nLinux version 6.1.0\r\n", map[string]struct {
		out  string
		code int
	}{
		"uname -r":                {"6.1.0-analog\r\n", 0},
		"iio_attr -d ad9081 name": {"ERROR: could not find device\r\n", 1},
	})
	c := newConsole(t, addr)
	ctx := context.Background()

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatalf("second Activate: %v", err)
	}

	out, err := c.Run(ctx, "uname -r")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "6.1.0-analog" {
		t.Errorf("output = %q", out)
	}

	out, err = c.Run(ctx, "iio_attr -d ad9081 name")
	var ce *errors.CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.Contains(out, "could not find device") {
		t.Errorf("failed command output = %q", out)
	}

	log, err := c.ReadConsole(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log, "Linux version 6.1.0") || !strings.Contains(log, "uname -r") {
		t.Errorf("console log should keep boot and command output, got %q", log)
	}
	if again, _ := c.ReadConsole(ctx); again != "" {
		t.Errorf("second read should be empty, got %q", again)
	}
}

func TestTCPConsole_BufferReleased(t *testing.T) {
	addr := fakeBoard(t, strings.Repeat("[    0.000000] Booting Linux on physical CPU 0x0\r\n", 200), map[string]struct {
		out  string
		code int
	}{
		"uname -r": {"6.1.0-analog\r\n", 0},
	})
	c := newConsole(t, addr)
	ctx := context.Background()

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	for range 20 {
		if _, err := c.Run(ctx, "uname -r"); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if len(c.marks) != 0 {
		t.Errorf("finished commands left marks %v", c.marks)
	}

	time.Sleep(50 * time.Millisecond)
	log, err := c.ReadConsole(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log, "Booting Linux") {
		t.Errorf("unread output lost before the first read, got %q", log)
	}
	if n := c.buffered(); n != 0 {
		t.Errorf("read output still buffered: %d bytes", n)
	}

	if _, err := c.Run(ctx, "uname -r"); err != nil {
		t.Fatalf("Run after read: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if out, _ := c.ReadConsole(ctx); !strings.Contains(out, "6.1.0-analog") {
		t.Errorf("expected command output after compaction, got %q", out)
	}
}

func TestTCPConsole_BufferCapped(t *testing.T) {
	banner := strings.Repeat("x", 16*1024) + "END-OF-BANNER"
	c, err := New(Config{Address: fakeBoard(t, banner, nil), BufferSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.connect(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		end := c.base + len(c.buf)
		c.mu.Unlock()
		if end >= len(banner) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := c.buffered(); n > 4096 {
		t.Errorf("buffer grew past its cap: %d bytes", n)
	}
	out, err := c.ReadConsole(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "END-OF-BANNER") || len(out) > 4096 {
		t.Errorf("expected the newest %d bytes, got %d ending %q", 4096, len(out), out[max(0, len(out)-20):])
	}
}

func TestTCPConsole_RunRequiresActivate(t *testing.T) {
	c := newConsole(t, fakeBoard(t, "", nil))
	if _, err := c.Run(context.Background(), "true"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestTCPConsole_ReadWithoutLogin(t *testing.T) {
	c := newConsole(t, fakeBoard(t, "U-Boot 2023.01\r\n", nil))
	ctx := context.Background()

	var got string
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(got, "U-Boot") && time.Now().Before(deadline) {
		out, err := c.ReadConsole(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got += out
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(got, "U-Boot 2023.01") {
		t.Errorf("expected banner, got %q", got)
	}
}

func TestTCPConsole_LoginTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	c, err := New(Config{Address: ln.Addr().String(), LoginTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Activate(context.Background()); !errors.Is(err, errors.ErrDeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestTCPConsole_NoFileTransfer(t *testing.T) {
	c, err := New(Config{Address: "127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "a", "b"); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("PutFile: %v", err)
	}
	if err := c.GetFile(context.Background(), "a", "b"); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("GetFile: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("missing address: %v", err)
	}
	if _, err := New(Config{Address: "x:1", Prompt: "("}); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("bad prompt: %v", err)
	}
}

func TestCommandOutput(t *testing.T) {
	raw := "cat /etc/hostname; echo __BRINGUP_RC_3=$?__\r\nanalog\r\n"
	if got := commandOutput(raw); got != "analog" {
		t.Errorf("commandOutput = %q", got)
	}
}
