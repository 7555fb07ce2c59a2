// Package config handles greenrt.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/greenrt/internal/types"
	"github.com/fortiblox/greenrt/pkg/green/sbpf"
	"github.com/fortiblox/greenrt/pkg/green/stack"
	"github.com/fortiblox/greenrt/pkg/journal"
)

// MemoryPath selects the in-memory journal.
const MemoryPath = journal.MemoryPath

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// levels maps log level names to commonlog verbosity.
var levels = map[string]int{
	"debug":    2,
	"info":     1,
	"notice":   0,
	"warning":  -1,
	"error":    -2,
	"critical": -3,
	"none":     -5,
}

// Config is the runtime configuration.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Log     Log     `toml:"log"`
	Store   Store   `toml:"store"`
	Journal Journal `toml:"journal"`
}

// Runtime configures the runtime context and the bytecode trampoline.
type Runtime struct {
	StackCapacity uint64 `toml:"stack-capacity"`
	MemoryBudget  uint64 `toml:"memory-budget"` // 0 = unlimited; below one segment the run fails at spawn
	ComputeLimit  uint64 `toml:"compute-limit"`
}

// Log configures diagnostics output.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"` // empty = stderr
}

// Store configures the image store.
type Store struct {
	Path string `toml:"path"` // empty disables the store
}

// Journal configures the run journal.
type Journal struct {
	Path string `toml:"path"` // empty disables, MemoryPath keeps it in memory
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Runtime: Runtime{
			StackCapacity: stack.DefaultCapacity,
			ComputeLimit:  sbpf.DefaultComputeLimit,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads a TOML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(text string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(text, c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	r := &c.Runtime
	if r.StackCapacity == 0 || r.StackCapacity%types.WordSize != 0 || r.StackCapacity > stack.MaxCapacity {
		return fmt.Errorf("%w: runtime.stack-capacity %d must be a positive multiple of %d up to %d",
			ErrInvalid, r.StackCapacity, types.WordSize, stack.MaxCapacity)
	}
	if r.ComputeLimit == 0 || r.ComputeLimit > sbpf.MaxComputeLimit {
		return fmt.Errorf("%w: runtime.compute-limit %d out of range", ErrInvalid, r.ComputeLimit)
	}
	if _, ok := levels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.Store.Path != "" && c.Store.Path == c.Journal.Path {
		return fmt.Errorf("%w: store and journal share path %s", ErrInvalid, c.Store.Path)
	}
	return nil
}

// Verbosity returns the commonlog verbosity for the configured level.
func (c *Config) Verbosity() int {
	return levels[strings.ToLower(c.Log.Level)]
}

// LogFile returns the log file path, or nil for stderr.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	return &c.Log.File
}

// Source returns the memory source stack segments are drawn from.
func (c *Config) Source() stack.Source {
	if c.Runtime.MemoryBudget == 0 {
		return stack.HeapSource{}
	}
	return stack.NewBudgetSource(c.Runtime.MemoryBudget)
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
