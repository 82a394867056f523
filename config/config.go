// Package config loads pybridge extension settings from TOML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/sim"
)

const (
	BackendSim     = "sim"
	BackendCPython = "cpython"
)

// Config describes one extension instance.
type Config struct {
	Module      Module      `toml:"module" json:"module"`
	Type        Type        `toml:"type" json:"type"`
	Interpreter Interpreter `toml:"interpreter" json:"interpreter"`
	Relay       Relay       `toml:"relay" json:"relay"`
	Sim         Sim         `toml:"sim" json:"sim"`
}

// Module names the native module registered in the module table.
type Module struct {
	Name string `toml:"name" json:"name" validate:"required,pydotted" jsonschema:"description=Import name of the native module"`
	Doc  string `toml:"doc" json:"doc,omitempty"`
}

// Type names the bridge type attached to the module.
type Type struct {
	Name string `toml:"name" json:"name" validate:"required,pyident" jsonschema:"description=Attribute name of the bridge type"`
	Doc  string `toml:"doc" json:"doc,omitempty"`
}

// Interpreter selects the backend and, for sim, the version it impersonates.
type Interpreter struct {
	Backend  string `toml:"backend" json:"backend" validate:"oneof=sim cpython" jsonschema:"enum=sim,enum=cpython"`
	Version  string `toml:"version" json:"version,omitempty" validate:"omitempty,pyversion"`
	Platform string `toml:"platform" json:"platform,omitempty" validate:"omitempty,oneof=lp64 llp64" jsonschema:"enum=lp64,enum=llp64"`
}

// Relay bounds outstanding host tasks. Zero is unbounded.
type Relay struct {
	MaxPending int `toml:"max_pending" json:"max_pending,omitempty" validate:"gte=0"`
}

// Sim configures the reference interpreter heap.
type Sim struct {
	HeapMaxPages uint32 `toml:"heap_max_pages" json:"heap_max_pages,omitempty" validate:"omitempty,gte=2,lte=65536"`
	Poison       bool   `toml:"poison" json:"poison"`
}

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pyident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pydotted", func(fl validator.FieldLevel) bool {
		for _, part := range strings.Split(fl.Field().String(), ".") {
			if !identRe.MatchString(part) {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("pyversion", func(fl validator.FieldLevel) bool {
		_, _, err := abi.DetectString(fl.Field().String())
		return err == nil
	})
	return v
}

// Default returns the configuration the CLI and tests start from.
func Default() *Config {
	opts := sim.DefaultOptions()
	return &Config{
		Module:      Module{Name: "pybridge", Doc: "Native bridge between interpreter code and host tasks."},
		Type:        Type{Name: "Awaitable", Doc: "Awaitable resolved by a host task."},
		Interpreter: Interpreter{Backend: BackendSim, Version: opts.Version},
		Sim:         Sim{HeapMaxPages: opts.HeapMaxPages, Poison: opts.Poison},
	}
}

// Load reads and validates a TOML file. Unset keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return Parse(data)
}

// Parse decodes and validates TOML over Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.InvalidInput(errors.PhaseConfig, "unknown keys: "+strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "config validation failed")
	}
	if c.Interpreter.Backend == BackendSim && c.Interpreter.Version == "" {
		return errors.InvalidInput(errors.PhaseConfig, "interpreter.version is required for the sim backend")
	}
	return nil
}

// Platform maps the configured data model; empty means the host's.
func (c *Config) Platform() abi.Platform {
	switch c.Interpreter.Platform {
	case "lp64":
		return abi.PlatformLP64
	case "llp64":
		return abi.PlatformLLP64
	}
	return abi.PlatformUnknown
}

// SimOptions returns reference interpreter options for this config.
func (c *Config) SimOptions() sim.Options {
	return sim.Options{
		Version:      c.Interpreter.Version,
		Platform:     c.Platform(),
		HeapMaxPages: c.Sim.HeapMaxPages,
		Poison:       c.Sim.Poison,
	}
}

// Schema returns the JSON schema of Config.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
