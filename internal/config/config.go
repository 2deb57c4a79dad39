// Package config loads instance configuration: built-in defaults, then an
// optional YAML file, then LDT_* environment variables. Flags in cmd/ldtcast
// are applied last.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ldtcast/internal/checksum"
	"ldtcast/internal/discovery"
	"ldtcast/internal/faults"
	"ldtcast/internal/session"
	"ldtcast/internal/transport"
)

const op = "config"

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	// Name is how this instance shows up in peer listings.
	Name      string `yaml:"name"`
	WorkDir   string `yaml:"work_dir"`
	OutputDir string `yaml:"output_dir"`

	PartSizeMB      int           `yaml:"part_size_mb"`
	ChecksumWorkers int           `yaml:"checksum_workers"`
	ChecksumTimeout time.Duration `yaml:"checksum_timeout"`
	ClaimWindow     time.Duration `yaml:"claim_window"`

	Discovery discovery.Config `yaml:"discovery"`
	Transport transport.Config `yaml:"transport"`
	Log       Log              `yaml:"log"`
}

func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "ldtcast"
	}
	return Config{
		Name:            name,
		WorkDir:         "./ldt-work",
		PartSizeMB:      session.DefaultPartSize >> 20,
		ChecksumWorkers: checksum.DefaultWorkers,
		ChecksumTimeout: checksum.DefaultTimeout,
		ClaimWindow:     session.DefaultClaimWindow,
		Discovery: discovery.Config{
			Listen:   fmt.Sprintf(":%d", discovery.DefaultPort),
			Group:    fmt.Sprintf("%s:%d", discovery.DefaultGroup, discovery.DefaultPort),
			Announce: discovery.DefaultAnnounce,
			PeerTTL:  discovery.DefaultPeerTTL,
			MaxPeers: discovery.DefaultMaxPeers,
		},
		Transport: transport.DefaultConfig(),
		Log:       Log{Level: "info"},
	}
}

// Load reads path over the defaults. Unknown keys are an error. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, faults.Wrap(faults.Configuration, op, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, faults.Wrapf(faults.Configuration, op, err, "parse %s", path)
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// ApplyEnv overrides fields from LDT_* variables that are set.
func (c *Config) ApplyEnv() error {
	c.Name = getenv("LDT_NAME", c.Name)
	c.WorkDir = getenv("LDT_WORK_DIR", c.WorkDir)
	c.OutputDir = getenv("LDT_OUTPUT_DIR", c.OutputDir)
	c.Transport.Kind = getenv("LDT_TRANSPORT", c.Transport.Kind)
	c.Transport.Spool.Target = getenv("LDT_SPOOL", c.Transport.Spool.Target)
	c.Log.Level = getenv("LDT_LOG_LEVEL", c.Log.Level)
	if v := os.Getenv("LDT_PEERS"); v != "" {
		c.Discovery.Peers = SplitList(v)
	}
	if v := os.Getenv("LDT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return faults.Wrapf(faults.Configuration, op, err, "LDT_PORT %q", v)
		}
		c.SetPort(port)
	}
	if v := os.Getenv("LDT_PART_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return faults.Wrapf(faults.Configuration, op, err, "LDT_PART_MB %q", v)
		}
		c.PartSizeMB = n
	}
	return nil
}

// SetPort moves both the listen socket and the multicast group to port.
func (c *Config) SetPort(port int) {
	c.Discovery.Listen = fmt.Sprintf(":%d", port)
	if c.Discovery.Group == "" {
		return
	}
	host, _, err := net.SplitHostPort(c.Discovery.Group)
	if err != nil {
		host = c.Discovery.Group
	}
	c.Discovery.Group = net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitList parses "a, b,,c" into [a b c].
func SplitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Name == "" {
		return faults.New(faults.Configuration, op, "name is required")
	}
	if c.WorkDir == "" {
		return faults.New(faults.Configuration, op, "work_dir is required")
	}
	if c.PartSizeMB <= 0 {
		return faults.Errorf(faults.Configuration, op, "part_size_mb must be positive, got %d", c.PartSizeMB)
	}
	if c.ChecksumWorkers < 0 || c.ChecksumTimeout < 0 || c.ClaimWindow < 0 {
		return faults.New(faults.Configuration, op, "checksum and claim settings must not be negative")
	}
	if c.Discovery.Group == "" && len(c.Discovery.Peers) == 0 {
		return faults.New(faults.Configuration, op, "discovery needs a group or static peers")
	}
	for _, addr := range append([]string{c.Discovery.Listen}, c.Discovery.Peers...) {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return faults.Wrapf(faults.Configuration, op, err, "address %q", addr)
		}
	}
	return c.Transport.Validate()
}

// Session derives the session settings. Directories are made absolute so
// logs and results name real paths.
func (c Config) Session() (session.Config, error) {
	work, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return session.Config{}, faults.Wrap(faults.Configuration, op, err)
	}
	out := work
	if c.OutputDir != "" {
		if out, err = filepath.Abs(c.OutputDir); err != nil {
			return session.Config{}, faults.Wrap(faults.Configuration, op, err)
		}
	}
	return session.Config{
		WorkDir:         work,
		OutputDir:       out,
		PartSize:        int64(c.PartSizeMB) << 20,
		ChecksumWorkers: c.ChecksumWorkers,
		ChecksumTimeout: c.ChecksumTimeout,
		ClaimWindow:     c.ClaimWindow,
	}, nil
}
