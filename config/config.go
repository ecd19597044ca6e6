// Package config handles ana.toml configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/kolzuk/ana-language/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "ana.toml"

//go:embed schema.cue
var schemaSource string

// Config represents an ana.toml file.
type Config struct {
	VM      VMConfig      `toml:"vm" json:"vm"`
	Log     LogConfig     `toml:"log" json:"log"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Journal JournalConfig `toml:"journal" json:"journal"`

	// Dir is the directory containing the ana.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// VMConfig configures program execution.
type VMConfig struct {
	HeapCapacity     int    `toml:"heap_capacity" json:"heap_capacity"`
	Entry            string `toml:"entry" json:"entry"`
	HeapAccess       string `toml:"heap_access" json:"heap_access"`
	MaxFrames        int    `toml:"max_frames" json:"max_frames"`
	InstructionLimit uint64 `toml:"instruction_limit" json:"instruction_limit"`
	Trace            bool   `toml:"trace" json:"trace"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" json:"path"`
}

// ServerConfig configures the execution service.
type ServerConfig struct {
	Port           int    `toml:"port" json:"port"`
	RunTimeout     string `toml:"run_timeout" json:"run_timeout"`
	RunTTL         string `toml:"run_ttl" json:"run_ttl"`
	SweepInterval  string `toml:"sweep_interval" json:"sweep_interval"`
	MaxSourceBytes int    `toml:"max_source_bytes" json:"max_source_bytes"`
}

// JournalConfig configures the SQLite run journal. An empty path disables it.
type JournalConfig struct {
	Path string `toml:"path" json:"path"`
}

// Default returns the configuration used when no ana.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.VM.HeapCapacity == 0 {
		c.VM.HeapCapacity = vm.DefaultHeapCapacity
	}
	if c.VM.Entry == "" {
		c.VM.Entry = "main"
	}
	if c.VM.HeapAccess == "" {
		c.VM.HeapAccess = "fatal"
	}
	if c.VM.MaxFrames == 0 {
		c.VM.MaxFrames = vm.DefaultMaxFrames
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RunTimeout == "" {
		c.Server.RunTimeout = "10s"
	}
	if c.Server.RunTTL == "" {
		c.Server.RunTTL = "30m"
	}
	if c.Server.SweepInterval == "" {
		c.Server.SweepInterval = "1m"
	}
	if c.Server.MaxSourceBytes == 0 {
		c.Server.MaxSourceBytes = 1 << 20
	}
}

// Load parses and validates the ana.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if c.Journal.Path != "" && !filepath.IsAbs(c.Journal.Path) {
		c.Journal.Path = filepath.Join(c.Dir, c.Journal.Path)
	}
	return c, nil
}

// Parse decodes TOML text, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find an ana.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the configuration against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// VMOptions translates the [vm] section into VM options.
func (c *Config) VMOptions() ([]vm.Option, error) {
	policy, err := vm.ParseHeapAccess(c.VM.HeapAccess)
	if err != nil {
		return nil, err
	}
	return []vm.Option{
		vm.WithHeapCapacity(c.VM.HeapCapacity),
		vm.WithEntry(c.VM.Entry),
		vm.WithHeapAccess(policy),
		vm.WithMaxFrames(c.VM.MaxFrames),
		vm.WithInstructionLimit(c.VM.InstructionLimit),
	}, nil
}

// RunTimeout returns the per-run deadline for the execution service.
func (c *Config) RunTimeout() time.Duration { return mustDuration(c.Server.RunTimeout) }

// RunTTL returns how long finished runs stay retrievable.
func (c *Config) RunTTL() time.Duration { return mustDuration(c.Server.RunTTL) }

// SweepInterval returns how often expired runs are dropped.
func (c *Config) SweepInterval() time.Duration { return mustDuration(c.Server.SweepInterval) }

// mustDuration parses a duration already checked by the schema.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
