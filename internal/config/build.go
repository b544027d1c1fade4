package config

import (
	"context"
	"path/filepath"

	"github.com/fpgalab/bringup/pkg/capability"
	"github.com/fpgalab/bringup/pkg/console"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/hostcmd"
	"github.com/fpgalab/bringup/pkg/jtag"
	"github.com/fpgalab/bringup/pkg/massstorage"
	"github.com/fpgalab/bringup/pkg/power"
	"github.com/fpgalab/bringup/pkg/release"
	"github.com/fpgalab/bringup/pkg/sdmux"
	"github.com/fpgalab/bringup/pkg/security"
	"github.com/fpgalab/bringup/pkg/strategy"
	"github.com/fpgalab/bringup/pkg/transport/ssh"
)

// DefaultS3Region is used when an s3 release names no region.
const DefaultS3Region = "us-east-1"

// Builder turns one target section into capability adapters and workflow
// bindings. Adapters are created once and shared between calls.
type Builder struct {
	Name      string
	Target    *Target
	CacheDir  string
	Validator *security.Validator
	// Index records downloaded artifacts; may be nil.
	Index release.Index
	// Runner drives host tools; nil means hostcmd.Exec.
	Runner hostcmd.Runner
	// Store replaces the S3 client built from the release section.
	Store release.ObjectStore

	console *console.TCPConsole
	storage *massstorage.Device
}

// NewBuilder creates a builder for the named target of cfg.
func NewBuilder(cfg *Config, name string, index release.Index) (*Builder, error) {
	t, err := cfg.Target(name)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Name:      name,
		Target:    t,
		CacheDir:  filepath.Join(cfg.CacheDir, name),
		Validator: security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize),
		Index:     index,
	}, nil
}

func (b *Builder) missing(section string) error {
	return errors.Configuration("target %s: %s section is required", b.Name, section)
}

func (b *Builder) Power() (*power.CommandSwitch, error) {
	p := b.Target.Power
	if p == nil {
		return nil, b.missing("power")
	}
	return power.NewCommandSwitch(b.Name, p.On, p.Off, b.Runner)
}

// Console returns the target's console. Later calls return the same instance.
func (b *Builder) Console() (*console.TCPConsole, error) {
	if b.console != nil {
		return b.console, nil
	}
	c := b.Target.Console
	if c == nil {
		return nil, b.missing("console")
	}
	con, err := console.New(console.Config{
		Address:        c.Address,
		Username:       c.Username,
		Password:       c.Password,
		LoginPrompt:    c.LoginPrompt,
		PasswordPrompt: c.PasswordPrompt,
		Prompt:         c.Prompt,
		LoginTimeout:   c.LoginTimeout,
		CommandTimeout: c.CommandTimeout,
		DialTimeout:    c.DialTimeout,
		BufferSize:     c.BufferSize,
	})
	if err != nil {
		return nil, err
	}
	b.console = con
	return con, nil
}

func (b *Builder) SSH() (*ssh.Shell, error) {
	s := b.Target.SSH
	if s == nil {
		return nil, b.missing("ssh")
	}
	return ssh.New(ssh.Config{
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		Password:       s.Password,
		KeyFile:        s.KeyFile,
		KnownHostsFile: s.KnownHostsFile,
		DialTimeout:    s.DialTimeout,
		CommandTimeout: s.CommandTimeout,
	})
}

func (b *Builder) Mux() (*sdmux.USBSDMux, error) {
	m := b.Target.SDMux
	if m == nil {
		return nil, b.missing("sdmux")
	}
	return sdmux.NewUSBSDMux(m.Device, m.Tool, b.Runner)
}

// Storage returns the target's medium. Later calls return the same instance.
func (b *Builder) Storage() (*massstorage.Device, error) {
	if b.storage != nil {
		return b.storage, nil
	}
	m := b.Target.MassStorage
	if m == nil {
		return nil, b.missing("mass-storage")
	}
	dev, err := massstorage.New(massstorage.Config{
		Path:          m.Path,
		Disk:          m.Disk,
		Label:         m.Label,
		MediaRoot:     m.MediaRoot,
		AppearTimeout: m.AppearTimeout,
	}, b.Runner)
	if err != nil {
		return nil, err
	}
	b.storage = dev
	return dev, nil
}

func (b *Builder) JTAG() (*jtag.XSDB, error) {
	j := b.Target.JTAG
	if j == nil {
		return nil, b.missing("jtag")
	}
	return jtag.New(jtag.Config{
		XSDBPath:         j.XSDBPath,
		VivadoPath:       j.VivadoPath,
		Version:          j.Version,
		HWServer:         j.HWServer,
		RootTarget:       j.RootTarget,
		MicroblazeTarget: j.MicroblazeTarget,
		ScriptTimeout:    j.ScriptTimeout,
	}, b.Runner)
}

// ReleaseS3 builds the S3 provider of the target's release section.
func (b *Builder) ReleaseS3(ctx context.Context) (*release.S3, error) {
	r := b.Target.Release
	if r == nil || r.S3 == nil {
		return nil, b.missing("release.s3")
	}
	cfg := release.S3Config{
		Bucket:      r.S3.Bucket,
		Region:      r.S3.Region,
		Endpoint:    r.S3.Endpoint,
		Anonymous:   r.S3.Anonymous,
		Release:     r.S3.Release,
		BootArchive: r.S3.BootArchive,
		BootFiles:   r.S3.BootFiles,
		ImageKey:    r.S3.Image,
		CacheDir:    b.CacheDir,
	}
	if cfg.Region == "" {
		cfg.Region = DefaultS3Region
	}
	if len(r.S3.Checksums) > 0 {
		cfg.Checksums = make(map[string]string, len(r.S3.Checksums))
		for _, c := range r.S3.Checksums {
			cfg.Checksums[c.Key] = c.SHA256
		}
	}

	store := b.Store
	if store == nil {
		client, err := release.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = client
	}
	return release.NewS3(cfg, store, b.Index, b.Validator)
}

// Release returns the boot file and image providers of the target. Both are nil
// when no release section is configured.
func (b *Builder) Release(ctx context.Context) (capability.ReleaseProvider, capability.ImageProvider, error) {
	r := b.Target.Release
	switch {
	case r == nil:
		return nil, nil, nil
	case r.S3 != nil:
		p, err := b.ReleaseS3(ctx)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		p := release.NewStatic(r.Files, r.Image, b.Validator)
		return p, p, nil
	}
}

// BootParams converts the boot section.
func (b *Builder) BootParams(defaultMarker string) strategy.BootParams {
	c := b.Target.Boot
	p := strategy.BootParams{
		KernelMarker:    c.KernelMarker,
		BootMarker:      c.BootMarker,
		BootTimeout:     c.BootTimeout,
		KernelTimeout:   c.KernelTimeout,
		PollInterval:    c.PollInterval,
		SettleDelay:     c.SettleDelay,
		ShutdownMarker:  c.ShutdownMarker,
		ShutdownTimeout: c.ShutdownTimeout,
	}
	if p.BootMarker == "" {
		p.BootMarker = defaultMarker
	}
	return p
}

// SDMuxBoot assembles the SD-card mux workflow.
func (b *Builder) SDMuxBoot(ctx context.Context) (strategy.SDMuxBindings, strategy.SDMuxConfig, error) {
	var (
		bind strategy.SDMuxBindings
		cfg  strategy.SDMuxConfig
		err  error
	)
	if bind.Power, err = b.Power(); err != nil {
		return bind, cfg, err
	}
	if bind.Console, err = b.Console(); err != nil {
		return bind, cfg, err
	}
	if bind.Mux, err = b.Mux(); err != nil {
		return bind, cfg, err
	}
	storage, err := b.Storage()
	if err != nil {
		return bind, cfg, err
	}
	bind.Storage, bind.Writer = storage, storage
	if bind.Release, bind.Image, err = b.Release(ctx); err != nil {
		return bind, cfg, err
	}

	files, err := Files(b.Target.SDMuxBoot.BootFiles)
	if err != nil {
		return bind, cfg, err
	}
	cfg = strategy.SDMuxConfig{
		Boot:           b.BootParams(""),
		BootFiles:      files,
		FlashFullImage: b.Target.SDMuxBoot.FlashFullImage,
	}
	return bind, cfg, nil
}

// SSHBoot assembles the SSH two-pass workflow. Power is optional.
func (b *Builder) SSHBoot(ctx context.Context) (strategy.SSHBindings, strategy.SSHConfig, error) {
	var (
		bind strategy.SSHBindings
		cfg  strategy.SSHConfig
		err  error
	)
	if b.Target.Power != nil {
		sw, err := b.Power()
		if err != nil {
			return bind, cfg, err
		}
		bind.Power = sw
	}
	if bind.Console, err = b.Console(); err != nil {
		return bind, cfg, err
	}
	if bind.SSH, err = b.SSH(); err != nil {
		return bind, cfg, err
	}
	if bind.Release, _, err = b.Release(ctx); err != nil {
		return bind, cfg, err
	}

	c := b.Target.SSHBoot
	files, err := Files(c.BootFiles)
	if err != nil {
		return bind, cfg, err
	}
	cfg = strategy.SSHConfig{
		Boot:           b.BootParams(""),
		Interface:      c.Interface,
		BootDir:        c.BootDir,
		BootFiles:      files,
		ConnectTimeout: c.ConnectTimeout,
	}
	return bind, cfg, nil
}

// SelMapBoot assembles the dual-chip SelMap workflow.
func (b *Builder) SelMapBoot() (strategy.SelMapBindings, strategy.SelMapConfig, error) {
	var (
		bind strategy.SelMapBindings
		cfg  strategy.SelMapConfig
		err  error
	)
	if bind.Power, err = b.Power(); err != nil {
		return bind, cfg, err
	}
	if bind.Console, err = b.Console(); err != nil {
		return bind, cfg, err
	}
	if bind.SSH, err = b.SSH(); err != nil {
		return bind, cfg, err
	}

	c := b.Target.SelMap
	pre, err := Files(c.PreBootFiles)
	if err != nil {
		return bind, cfg, errors.Wrap(err, "pre-boot files")
	}
	post, err := Files(c.PostBootFiles)
	if err != nil {
		return bind, cfg, errors.Wrap(err, "post-boot files")
	}
	cfg = strategy.SelMapConfig{
		Boot:               b.BootParams(""),
		Interface:          c.Interface,
		PreBootFiles:       pre,
		PostBootFiles:      post,
		TriggerCommand:     c.TriggerCommand,
		Device:             c.Device,
		SyncCommand:        c.SyncCommand,
		SyncTerminal:       c.SyncTerminal,
		DeviceTimeout:      c.DeviceTimeout,
		SyncTimeout:        c.SyncTimeout,
		MaxPrimaryRestarts: c.MaxPrimaryRestarts,
		ConnectTimeout:     c.ConnectTimeout,
	}
	return bind, cfg, nil
}

// FabricBoot assembles the JTAG fabric workflow. Power and console are optional.
func (b *Builder) FabricBoot() (strategy.FabricBindings, strategy.FabricConfig, error) {
	var (
		bind strategy.FabricBindings
		cfg  strategy.FabricConfig
	)
	programmer, err := b.JTAG()
	if err != nil {
		return bind, cfg, err
	}
	bind.JTAG = programmer

	if b.Target.Power != nil {
		sw, err := b.Power()
		if err != nil {
			return bind, cfg, err
		}
		bind.Power = sw
	}
	if b.Target.Console != nil {
		if bind.Console, err = b.Console(); err != nil {
			return bind, cfg, err
		}
	}

	c := b.Target.Fabric
	cfg = strategy.FabricConfig{
		Boot:          b.BootParams(strategy.DefaultFabricBootMarker),
		Bitstream:     c.Bitstream,
		Kernel:        c.Kernel,
		VerifyDevice:  c.VerifyDevice,
		VerifyTimeout: c.VerifyTimeout,
	}
	return bind, cfg, nil
}

// Close drops the console connection, if one was opened.
func (b *Builder) Close() error {
	if b.console == nil {
		return nil
	}
	return b.console.Close()
}
