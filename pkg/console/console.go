// Package console talks to a board's serial console exported over TCP by a console
// server such as ser2net in raw mode. Everything the board prints is buffered, so
// boot output stays readable through ReadConsole while commands run.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/wait"
)

// Default configuration values.
const (
	DefaultLoginPrompt    = "login:"
	DefaultPasswordPrompt = "Password:"
	DefaultPrompt         = `(?m)[#$] ?$`
	DefaultLoginTimeout   = 60 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultBufferSize     = 1 << 20

	pollInterval = 50 * time.Millisecond
)

var rcPattern = regexp.MustCompile(`__BRINGUP_RC_(\d+)=(\d+)__`)

// Config describes a console endpoint and its login.
type Config struct {
	Address        string
	Username       string
	Password       string
	LoginPrompt    string
	PasswordPrompt string
	Prompt         string
	LoginTimeout   time.Duration
	CommandTimeout time.Duration
	DialTimeout    time.Duration
	// BufferSize caps the unread console output kept in memory. The oldest
	// bytes are dropped first.
	BufferSize int
}

// TCPConsole implements capability.SerialConsole.
type TCPConsole struct {
	cfg    Config
	prompt *regexp.Regexp

	mu   sync.Mutex
	conn net.Conn
	// buf holds output from stream offset base on. readOff and marks are
	// stream offsets; bytes below all of them are discarded.
	buf     []byte
	base    int
	readErr error
	readOff int
	marks   []int

	active bool
	seq    int
}

// New validates cfg. The connection opens on first use.
func New(cfg Config) (*TCPConsole, error) {
	if cfg.Address == "" {
		return nil, errors.Configuration("console: address is required")
	}
	if cfg.LoginPrompt == "" {
		cfg.LoginPrompt = DefaultLoginPrompt
	}
	if cfg.PasswordPrompt == "" {
		cfg.PasswordPrompt = DefaultPasswordPrompt
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	prompt, err := regexp.Compile(cfg.Prompt)
	if err != nil {
		return nil, errors.Configuration("console: invalid prompt pattern %q: %v", cfg.Prompt, err)
	}
	return &TCPConsole{cfg: cfg, prompt: prompt}, nil
}

func (c *TCPConsole) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.readErr == nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	slog.Info("console_connect", "address", c.cfg.Address)
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		slog.Error("console_connect_failed", "address", c.cfg.Address, "error", err)
		return errors.Hardware("console connect", c.cfg.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readErr = nil
	c.active = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *TCPConsole) readLoop(conn net.Conn) {
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		c.mu.Lock()
		c.buf = append(c.buf, chunk[:n]...)
		if over := len(c.buf) - c.cfg.BufferSize; over > 0 {
			c.discard(over)
			slog.Debug("console_buffer_trimmed", "address", c.cfg.Address, "dropped", over)
		}
		if err != nil {
			if c.conn == conn {
				c.readErr = err
			}
			c.mu.Unlock()
			if err != io.EOF {
				slog.Debug("console_read_stopped", "address", c.cfg.Address, "error", err)
			}
			return
		}
		c.mu.Unlock()
	}
}

func (c *TCPConsole) write(s string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.InvalidState("console %s is not connected", c.cfg.Address)
	}
	if _, err := io.WriteString(conn, s); err != nil {
		return errors.Hardware("console write", c.cfg.Address, err)
	}
	return nil
}

// mark records the current end of the stream and keeps output after it until
// unmark.
func (c *TCPConsole) mark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := c.base + len(c.buf)
	c.marks = append(c.marks, off)
	return off
}

func (c *TCPConsole) unmark(off int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.marks, off); i >= 0 {
		c.marks = slices.Delete(c.marks, i, i+1)
	}
	c.compact()
}

// remark moves a mark to the current end of the stream.
func (c *TCPConsole) remark(off int) int {
	c.unmark(off)
	return c.mark()
}

func (c *TCPConsole) since(off int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf[max(off, c.base)-c.base:]), c.readErr
}

// compact drops output that neither ReadConsole nor a running command still needs.
// c.mu must be held.
func (c *TCPConsole) compact() {
	floor := c.readOff
	for _, m := range c.marks {
		floor = min(floor, m)
	}
	if n := floor - c.base; n > 0 {
		c.discard(n)
	}
}

// discard drops the first n buffered bytes. c.mu must be held.
func (c *TCPConsole) discard(n int) {
	c.buf = append(c.buf[:0:0], c.buf[n:]...)
	c.base += n
	c.readOff = max(c.readOff, c.base)
}

// buffered reports how many bytes of output are held in memory.
func (c *TCPConsole) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// ReadConsole returns the output received since the previous call.
func (c *TCPConsole) ReadConsole(ctx context.Context) (string, error) {
	if err := c.connect(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := string(c.buf[c.readOff-c.base:])
	c.readOff = c.base + len(c.buf)
	c.compact()
	return out, nil
}

// Activate logs in if the board asks for it and waits for a shell prompt.
func (c *TCPConsole) Activate(ctx context.Context) error {
	if c.active {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		return err
	}

	slog.Info("console_activate", "address", c.cfg.Address, "user", c.cfg.Username)
	off := c.mark()
	defer func() { c.unmark(off) }()
	if err := c.write("\n"); err != nil {
		return err
	}

	sentUser, sentPassword := false, false
	err := wait.Until(ctx, "console shell prompt", c.cfg.LoginTimeout, pollInterval, func(context.Context) error {
		text, rerr := c.since(off)
		if rerr != nil {
			return wait.Stop(errors.Hardware("console read", c.cfg.Address, rerr))
		}
		switch {
		case !sentUser && strings.Contains(text, c.cfg.LoginPrompt):
			if c.cfg.Username == "" {
				return wait.Stop(errors.Configuration("console %s asks for a login but no username is set", c.cfg.Address))
			}
			sentUser = true
			off = c.remark(off)
			if err := c.write(c.cfg.Username + "\n"); err != nil {
				return wait.Stop(err)
			}
			return fmt.Errorf("sent username")
		case sentUser && !sentPassword && strings.Contains(text, c.cfg.PasswordPrompt):
			sentPassword = true
			off = c.remark(off)
			if err := c.write(c.cfg.Password + "\n"); err != nil {
				return wait.Stop(err)
			}
			return fmt.Errorf("sent password")
		case c.prompt.MatchString(text):
			return nil
		}
		return fmt.Errorf("no prompt yet")
	})
	if err != nil {
		slog.Error("console_activate_failed", "address", c.cfg.Address, "error", err)
		return err
	}

	c.active = true
	slog.Info("console_active", "address", c.cfg.Address)
	return nil
}

// Deactivate forgets the login. The connection stays open so boot output keeps
// being captured; Close releases it.
func (c *TCPConsole) Deactivate(ctx context.Context) error {
	c.active = false
	return nil
}

// Close drops the TCP connection.
func (c *TCPConsole) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.active = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Run executes cmd in the logged-in shell. The exit status travels back on a
// numbered sentinel line; a non-zero status yields a CommandError.
func (c *TCPConsole) Run(ctx context.Context, cmd string) (string, error) {
	if !c.active {
		return "", errors.InvalidState("console %s is not active", c.cfg.Address)
	}

	c.seq++
	id := c.seq
	off := c.mark()
	defer c.unmark(off)
	slog.Debug("console_run", "address", c.cfg.Address, "command", cmd)

	if err := c.write(fmt.Sprintf("%s; echo __BRINGUP_RC_%d=$?__\n", cmd, id)); err != nil {
		return "", err
	}

	var out string
	code := -1
	err := wait.Until(ctx, "console command "+strconv.Quote(cmd), c.cfg.CommandTimeout, pollInterval, func(context.Context) error {
		text, rerr := c.since(off)
		for _, m := range rcPattern.FindAllStringSubmatchIndex(text, -1) {
			if text[m[2]:m[3]] != strconv.Itoa(id) {
				continue
			}
			code, _ = strconv.Atoi(text[m[4]:m[5]])
			out = commandOutput(text[:m[0]])
			return nil
		}
		if rerr != nil {
			return wait.Stop(errors.Hardware("console read", c.cfg.Address, rerr))
		}
		return fmt.Errorf("no exit status yet")
	})
	if err != nil {
		return "", err
	}

	if code != 0 {
		return out, &errors.CommandError{Command: cmd, Output: out, ExitCode: code}
	}
	return out, nil
}

// commandOutput drops the echoed command line and normalizes line endings.
func commandOutput(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "__BRINGUP_RC_") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (c *TCPConsole) PutFile(ctx context.Context, localPath, remotePath string) error {
	return errors.Configuration("console %s does not support file transfer", c.cfg.Address)
}

func (c *TCPConsole) GetFile(ctx context.Context, remotePath, localPath string) error {
	return errors.Configuration("console %s does not support file transfer", c.cfg.Address)
}
