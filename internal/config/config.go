package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Journal database
	Journal          string        `mapstructure:"journal" validate:"required"`
	JournalRetention time.Duration `mapstructure:"journal-retention" validate:"gte=0"`

	// Downloaded release artifacts, one subdirectory per target
	CacheDir string `mapstructure:"cache-dir" validate:"required"`

	// Prometheus textfile written after each run (optional)
	MetricsTextfile string `mapstructure:"metrics-textfile"`

	// Security limits
	MaxFileSize  int64 `mapstructure:"max-file-size" validate:"gt=0"`
	MaxTotalSize int64 `mapstructure:"max-total-size" validate:"gt=0"`

	Targets map[string]*Target `mapstructure:"targets" validate:"dive,required"`
}

// Target describes one board and the lab equipment wired to it. Sections that a
// workflow does not use may be left out.
type Target struct {
	Power       *PowerConfig       `mapstructure:"power"`
	Console     *ConsoleConfig     `mapstructure:"console"`
	SSH         *SSHConfig         `mapstructure:"ssh"`
	SDMux       *SDMuxConfig       `mapstructure:"sdmux"`
	MassStorage *MassStorageConfig `mapstructure:"mass-storage"`
	JTAG        *JTAGConfig        `mapstructure:"jtag"`
	Release     *ReleaseConfig     `mapstructure:"release"`

	Boot      BootConfig      `mapstructure:"boot"`
	SDMuxBoot SDMuxBootConfig `mapstructure:"sdmux-boot"`
	SSHBoot   SSHBootConfig   `mapstructure:"ssh-boot"`
	SelMap    SelMapConfig    `mapstructure:"selmap"`
	Fabric    FabricConfig    `mapstructure:"fabric"`
}

type PowerConfig struct {
	On  string `mapstructure:"on" validate:"required"`
	Off string `mapstructure:"off" validate:"required"`
}

type ConsoleConfig struct {
	Address        string        `mapstructure:"address" validate:"required,hostname_port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	LoginPrompt    string        `mapstructure:"login-prompt"`
	PasswordPrompt string        `mapstructure:"password-prompt"`
	Prompt         string        `mapstructure:"prompt"`
	LoginTimeout   time.Duration `mapstructure:"login-timeout" validate:"gte=0"`
	CommandTimeout time.Duration `mapstructure:"command-timeout" validate:"gte=0"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout" validate:"gte=0"`
	BufferSize     int           `mapstructure:"buffer-size" validate:"gte=0"`
}

type SSHConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	KeyFile        string        `mapstructure:"key-file"`
	KnownHostsFile string        `mapstructure:"known-hosts-file"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout" validate:"gte=0"`
	CommandTimeout time.Duration `mapstructure:"command-timeout" validate:"gte=0"`
}

type SDMuxConfig struct {
	Device string `mapstructure:"device" validate:"required"`
	Tool   string `mapstructure:"tool"`
}

type MassStorageConfig struct {
	Path          string        `mapstructure:"path" validate:"required"`
	Disk          string        `mapstructure:"disk"`
	Label         string        `mapstructure:"label"`
	MediaRoot     string        `mapstructure:"media-root"`
	AppearTimeout time.Duration `mapstructure:"appear-timeout" validate:"gte=0"`
}

type JTAGConfig struct {
	XSDBPath         string        `mapstructure:"xsdb-path"`
	VivadoPath       string        `mapstructure:"vivado-path"`
	Version          string        `mapstructure:"version"`
	HWServer         string        `mapstructure:"hw-server"`
	RootTarget       int           `mapstructure:"root-target" validate:"gte=0"`
	MicroblazeTarget int           `mapstructure:"microblaze-target" validate:"gte=0"`
	ScriptTimeout    time.Duration `mapstructure:"script-timeout" validate:"gte=0"`
}

// ReleaseConfig selects where boot files come from: local paths, or an S3 release.
type ReleaseConfig struct {
	Files []string  `mapstructure:"files"`
	Image string    `mapstructure:"image"`
	S3    *S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket      string   `mapstructure:"bucket" validate:"required"`
	Region      string   `mapstructure:"region"`
	Endpoint    string   `mapstructure:"endpoint" validate:"omitempty,url"`
	Anonymous   bool     `mapstructure:"anonymous"`
	Release     string   `mapstructure:"release"`
	BootArchive string   `mapstructure:"boot-archive"`
	BootFiles   []string `mapstructure:"boot-files"`
	Image       string   `mapstructure:"image"`
	// Checksums pin expected digests of release objects.
	Checksums []Checksum `mapstructure:"checksums" validate:"dive"`
}

// Checksum is the expected SHA256 of one object. Key is relative to the release
// prefix or a full object key.
type Checksum struct {
	Key    string `mapstructure:"key" validate:"required"`
	SHA256 string `mapstructure:"sha256" validate:"required,len=64,hexadecimal"`
}

type BootConfig struct {
	KernelMarker    string        `mapstructure:"kernel-marker"`
	BootMarker      string        `mapstructure:"boot-marker"`
	BootTimeout     time.Duration `mapstructure:"boot-timeout" validate:"gte=0"`
	KernelTimeout   time.Duration `mapstructure:"kernel-timeout" validate:"gte=0"`
	PollInterval    time.Duration `mapstructure:"poll-interval" validate:"gte=0"`
	SettleDelay     time.Duration `mapstructure:"settle-delay"`
	ShutdownMarker  string        `mapstructure:"shutdown-marker"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gte=0"`
}

// FileMapping copies Local on the host to Remote on the board or medium.
type FileMapping struct {
	Local  string `mapstructure:"local" validate:"required"`
	Remote string `mapstructure:"remote" validate:"required"`
}

type SDMuxBootConfig struct {
	BootFiles      []FileMapping `mapstructure:"boot-files" validate:"dive"`
	FlashFullImage bool          `mapstructure:"flash-full-image"`
}

type SSHBootConfig struct {
	Interface      string        `mapstructure:"interface"`
	BootDir        string        `mapstructure:"boot-dir"`
	BootFiles      []FileMapping `mapstructure:"boot-files" validate:"dive"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" validate:"gte=0"`
}

type SelMapConfig struct {
	Interface          string        `mapstructure:"interface"`
	PreBootFiles       []FileMapping `mapstructure:"pre-boot-files" validate:"dive"`
	PostBootFiles      []FileMapping `mapstructure:"post-boot-files" validate:"dive"`
	TriggerCommand     string        `mapstructure:"trigger-command"`
	Device             string        `mapstructure:"device"`
	SyncCommand        string        `mapstructure:"sync-command"`
	SyncTerminal       string        `mapstructure:"sync-terminal"`
	DeviceTimeout      time.Duration `mapstructure:"device-timeout" validate:"gte=0"`
	SyncTimeout        time.Duration `mapstructure:"sync-timeout" validate:"gte=0"`
	MaxPrimaryRestarts int           `mapstructure:"max-primary-restarts" validate:"gte=0"`
	ConnectTimeout     time.Duration `mapstructure:"connect-timeout" validate:"gte=0"`
}

type FabricConfig struct {
	Bitstream     string        `mapstructure:"bitstream"`
	Kernel        string        `mapstructure:"kernel"`
	VerifyDevice  string        `mapstructure:"verify-device"`
	VerifyTimeout time.Duration `mapstructure:"verify-timeout" validate:"gte=0"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return load(viper.GetViper())
}

// LoadFile reads the configuration from path instead of --config. flags, when
// given, override file values the way they do for Load. An empty path is the
// same as Load.
func LoadFile(path string, flags *pflag.FlagSet) (*Config, error) {
	if path == "" {
		return Load()
	}
	v := viper.New()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	v.Set("config", path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("journal", ".bringup/journal.db")
	v.SetDefault("journal-retention", 30*24*time.Hour)
	v.SetDefault("cache-dir", ".bringup/cache")
	v.SetDefault("max-file-size", 2*1024*1024*1024)
	v.SetDefault("max-total-size", 8*1024*1024*1024)

	// Environment variables (will be BRINGUP_JOURNAL, BRINGUP_CACHE_DIR, etc.)
	v.SetEnvPrefix("BRINGUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	// An explicit --config must exist; the search path is optional
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Configuration("read config %s: %v", file, err)
		}
	} else {
		v.SetConfigName("bringup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "bringup"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Configuration("read config: %v", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Configuration("failed to unmarshal config: %v", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		cfg.resolvePaths(filepath.Dir(used))
	}
	return &cfg, nil
}

// resolvePaths makes relative artifact paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	mappings := func(m []FileMapping) {
		for i := range m {
			m[i].Local = abs(m[i].Local)
		}
	}

	for _, t := range c.Targets {
		if t == nil {
			continue
		}
		if t.Release != nil {
			for i := range t.Release.Files {
				t.Release.Files[i] = abs(t.Release.Files[i])
			}
			t.Release.Image = abs(t.Release.Image)
		}
		if t.SSH != nil {
			t.SSH.KeyFile = abs(t.SSH.KeyFile)
			t.SSH.KnownHostsFile = abs(t.SSH.KnownHostsFile)
		}
		mappings(t.SDMuxBoot.BootFiles)
		mappings(t.SSHBoot.BootFiles)
		mappings(t.SelMap.PreBootFiles)
		mappings(t.SelMap.PostBootFiles)
		t.Fabric.Bitstream = abs(t.Fabric.Bitstream)
		t.Fabric.Kernel = abs(t.Fabric.Kernel)
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed "+fe.Tag())
			}
			return errors.Configuration("%s", strings.Join(msgs, "; "))
		}
		return errors.Configuration("%v", err)
	}

	if c.MaxTotalSize < c.MaxFileSize {
		return errors.Configuration("max-total-size must not be smaller than max-file-size")
	}

	for _, name := range c.TargetNames() {
		if err := c.Targets[name].validate(); err != nil {
			return errors.Wrap(err, "target "+name)
		}
	}
	return nil
}

func (t *Target) validate() error {
	if r := t.Release; r != nil {
		if r.S3 != nil && (len(r.Files) > 0 || r.Image != "") {
			return errors.Configuration("release: local files and s3 are mutually exclusive")
		}
		if r.S3 != nil && r.S3.BootArchive != "" && len(r.S3.BootFiles) == 0 {
			return errors.Configuration("release: boot-archive needs boot-files naming its members")
		}
	}

	for name, m := range map[string][]FileMapping{
		"sdmux-boot.boot-files":  t.SDMuxBoot.BootFiles,
		"ssh-boot.boot-files":    t.SSHBoot.BootFiles,
		"selmap.pre-boot-files":  t.SelMap.PreBootFiles,
		"selmap.post-boot-files": t.SelMap.PostBootFiles,
	} {
		if _, err := Files(m); err != nil {
			return errors.Wrap(err, name)
		}
	}
	return nil
}

// TargetNames returns the configured target names, sorted.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the named target.
func (c *Config) Target(name string) (*Target, error) {
	t, ok := c.Targets[name]
	if !ok || t == nil {
		return nil, errors.Configuration("unknown target %q (configured: %s)", name, strings.Join(c.TargetNames(), ", "))
	}
	return t, nil
}

// Files converts mappings to the local → remote map the workflows take. A local
// path may appear only once.
func Files(m []FileMapping) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	files := make(map[string]string, len(m))
	for _, fm := range m {
		if _, dup := files[fm.Local]; dup {
			return nil, errors.Configuration("duplicate local file %s", fm.Local)
		}
		files[fm.Local] = fm.Remote
	}
	return files, nil
}

// ParseFileMapping parses the "local:remote" form used on the command line.
func ParseFileMapping(s string) (FileMapping, error) {
	local, remote, ok := strings.Cut(s, ":")
	if !ok || local == "" || remote == "" {
		return FileMapping{}, errors.Configuration("file mapping %q: expected local:remote", s)
	}
	return FileMapping{Local: local, Remote: remote}, nil
}
