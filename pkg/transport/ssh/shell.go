// Package ssh is a board shell over SSH with SFTP file transfer. The shell follows
// the board's address when a workflow learns a new one from the serial console.
package ssh

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fpgalab/bringup/pkg/errors"
)

// Default configuration values.
const (
	DefaultPort           = 22
	DefaultDialTimeout    = 10 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// Config holds connection and credential settings. Password and KeyFile may both
// be set; the key is offered first.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Shell implements capability.ConsoleShell and capability.Retargetable.
type Shell struct {
	cfg       Config
	clientCfg *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// New builds the client configuration. No connection is made until Activate.
func New(cfg Config) (*Shell, error) {
	if cfg.Host == "" {
		return nil, errors.Configuration("ssh: host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}

	clientCfg, err := buildClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Shell{cfg: cfg, clientCfg: clientCfg}, nil
}

func buildClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if cfg.KeyFile != "" {
		keyBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Configuration("ssh: read key %s: %v", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errors.Configuration("ssh: parse key %s: %v", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	// Boards commonly run with an empty root password, so an empty one is still offered.
	auth = append(auth,
		ssh.Password(cfg.Password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = cfg.Password
			}
			return answers, nil
		}),
	)

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.Configuration("ssh: load known_hosts %s: %v", cfg.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}, nil
}

// Address is the host the shell connects to.
func (s *Shell) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Host
}

// SetAddress points the shell at a new host, dropping any open connection.
func (s *Shell) SetAddress(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if host == s.cfg.Host {
		return
	}
	slog.Info("ssh_retarget", "from", s.cfg.Host, "to", host)
	s.cfg.Host = host
	s.closeLocked()
}

func (s *Shell) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Activate connects and authenticates. It is a no-op while connected.
func (s *Shell) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	addr := s.addr()
	slog.Debug("ssh_connect", "address", addr, "user", s.cfg.User)

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Hardware("ssh connect", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.clientCfg)
	if err != nil {
		conn.Close()
		return errors.Hardware("ssh handshake", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(c, chans, reqs)
	slog.Info("ssh_connected", "address", addr, "user", s.cfg.User)
	return nil
}

// Deactivate closes the connection.
func (s *Shell) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Shell) closeLocked() {
	if s.client == nil {
		return
	}
	_ = s.client.Close()
	s.client = nil
	slog.Debug("ssh_disconnected", "host", s.cfg.Host)
}

func (s *Shell) connected() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, errors.InvalidState("ssh shell to %s is not active", s.cfg.Host)
	}
	return s.client, nil
}

// Run executes cmd in a new session and returns stdout and stderr combined.
func (s *Shell) Run(ctx context.Context, cmd string) (string, error) {
	client, err := s.connected()
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", errors.Hardware("ssh session", s.cfg.Host, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	slog.Debug("ssh_run", "host", s.cfg.Host, "command", cmd)
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return "", errors.Wrap(ctx.Err(), "ssh command "+strconv.Quote(cmd))
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), &errors.CommandError{Command: cmd, Output: out.String(), ExitCode: exitErr.ExitStatus()}
		}
		return out.String(), errors.Hardware("ssh run", s.cfg.Host, err)
	}
	return out.String(), nil
}

// PutFile uploads localPath, creating remote parent directories and keeping the
// local file mode.
func (s *Shell) PutFile(ctx context.Context, localPath, remotePath string) error {
	client, err := s.connected()
	if err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer local.Close()
	info, err := local.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat local file")
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return errors.Hardware("sftp init", s.cfg.Host, err)
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return errors.Hardware("sftp mkdir "+path.Dir(remotePath), s.cfg.Host, err)
	}

	remote, err := sc.Create(remotePath)
	if err != nil {
		return errors.Hardware("sftp create "+remotePath, s.cfg.Host, err)
	}
	defer remote.Close()

	start := time.Now()
	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return errors.Hardware("sftp upload "+remotePath, s.cfg.Host, err)
	}
	if err := sc.Chmod(remotePath, info.Mode().Perm()); err != nil {
		slog.Warn("sftp_chmod_failed", "remote", remotePath, "error", err)
	}

	slog.Info("ssh_file_uploaded", "local", localPath, "remote", remotePath, "bytes", n, "duration", time.Since(start))
	return nil
}

// GetFile downloads remotePath to localPath.
func (s *Shell) GetFile(ctx context.Context, remotePath, localPath string) error {
	client, err := s.connected()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return errors.Hardware("sftp init", s.cfg.Host, err)
	}
	defer sc.Close()

	remote, err := sc.Open(remotePath)
	if err != nil {
		return errors.Hardware("sftp open "+remotePath, s.cfg.Host, err)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to create local file")
	}

	n, err := copyWithContext(ctx, local, remote)
	if cerr := local.Close(); err == nil && cerr != nil {
		return errors.Wrap(cerr, "failed to close local file")
	}
	if err != nil {
		return errors.Hardware("sftp download "+remotePath, s.cfg.Host, err)
	}

	slog.Info("ssh_file_downloaded", "remote", remotePath, "local", localPath, "bytes", n)
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
