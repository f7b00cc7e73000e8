// internal/config/config.go
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	Bus       BusConfig       `yaml:"bus"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Output    OutputConfig    `yaml:"output"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// ---- NETWORK ----

type NetworkConfig struct {
	Name     string          `yaml:"name"`
	IOGroup  int             `yaml:"io_group"`
	Layout   LayoutConfig    `yaml:"layout"`
	Channels []ChannelConfig `yaml:"channels"`
	Hints    string          `yaml:"hints"` // optional hints file
}

type LayoutConfig struct {
	Rows  int `yaml:"rows"`
	Cols  int `yaml:"cols"`
	First int `yaml:"first"`
}

type ChannelConfig struct {
	Channel int `yaml:"channel"`
	Root    int `yaml:"root"`
}

// ---- BUS ----

const (
	TransportSim    = "sim"
	TransportModbus = "modbus"
)

type BusConfig struct {
	Transport string    `yaml:"transport"`
	Endpoint  string    `yaml:"endpoint"`
	TimeoutMs int       `yaml:"timeout_ms"`
	Sim       SimConfig `yaml:"sim"`
}

// SimConfig describes faults injected into the simulated board.
type SimConfig struct {
	BrokenLinks [][2]int `yaml:"broken_links"`
	DeadChips   []int    `yaml:"dead_chips"`
}

// ---- DISCOVERY ----

type DiscoveryConfig struct {
	VerifyTimeoutMs int   `yaml:"verify_timeout_ms"`
	VerifyRetries   int   `yaml:"verify_retries"`
	RestoreAttempts int   `yaml:"restore_attempts"`
	ClockCtrl       uint8 `yaml:"clk_ctrl"`
	MaxAttempts     int   `yaml:"max_attempts"`

	// Opt-out switches; nil means enabled.
	ProbeRoots     *bool `yaml:"probe_roots"`
	ProbeRedundant *bool `yaml:"probe_redundant"`
}

// ---- OUTPUT ----

type OutputConfig struct {
	Descriptor string `yaml:"descriptor"`
	Summary    string `yaml:"summary"`
}

// ---- STORE ----

type StoreConfig struct {
	Path string `yaml:"path"` // empty disables run history
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`
}

// Load reads, validates and normalizes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, rejecting unknown keys.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	Normalize(cfg)
	return cfg, nil
}

// Default is the single-tile simulator setup with the four standard roots.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Name:    "hydra",
			IOGroup: 1,
			Layout:  LayoutConfig{Rows: 10, Cols: 10, First: 11},
			Channels: []ChannelConfig{
				{Channel: 1, Root: 11},
				{Channel: 2, Root: 41},
				{Channel: 3, Root: 71},
				{Channel: 4, Root: 101},
			},
		},
		Bus:       BusConfig{Transport: TransportSim},
		Discovery: DiscoveryConfig{ClockCtrl: 1},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}
