// Daemon configuration, read from a YAML file. The CLI flags override
// what the file sets; the file exists so that a packaged install can
// pin its origins and log location without a wrapper script.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	USB    USBConfig    `yaml:"usb"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	// Addr is the listen address. The daemon is meant to stay on
	// loopback; anything else must be set deliberately in the file.
	Addr string `yaml:"addr"`

	// Origins are extra allowed CORS origins, either exact
	// ("https://flasher.example.com") or domain-with-subdomains
	// (".example.com").
	Origins []string `yaml:"origins"`
}

type USBConfig struct {
	// Disabled turns the real USB stack off; with Emulator on, the
	// daemon serves the simulated device only.
	Disabled bool `yaml:"disabled"`
	Emulator bool `yaml:"emulator"`

	// PollTimeoutMax bounds how long a device may keep the host
	// waiting per status poll. Zero keeps the engine default.
	PollTimeoutMaxMs int `yaml:"poll_timeout_max_ms"`
}

type LogConfig struct {
	// File is the rotated log file path; empty logs to stderr only.
	File string `yaml:"file"`

	// Verbose mirrors the detailed in-memory log to the main writer.
	Verbose bool `yaml:"verbose"`
}

const DefaultAddr = "127.0.0.1:21327"

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultAddr},
	}
}

// Load reads and validates the file at path. A missing file is not an
// error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration correctness. It does not mutate the
// configuration.
func Validate(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		return fmt.Errorf("server addr %q: %v", cfg.Server.Addr, err)
	}
	for _, o := range cfg.Server.Origins {
		if strings.HasPrefix(o, ".") {
			if len(o) < 2 || strings.ContainsAny(o[1:], "/ ") {
				return fmt.Errorf("origin %q: malformed domain pattern", o)
			}
			continue
		}
		if !strings.HasPrefix(o, "https://") && !strings.HasPrefix(o, "http://") {
			return fmt.Errorf("origin %q: must be a full origin or a .domain pattern", o)
		}
		if strings.HasSuffix(o, "/") {
			return fmt.Errorf("origin %q: origins carry no trailing slash", o)
		}
	}
	if cfg.USB.PollTimeoutMaxMs < 0 {
		return fmt.Errorf("poll_timeout_max_ms must not be negative")
	}
	if cfg.USB.Disabled && !cfg.USB.Emulator {
		return fmt.Errorf("usb disabled and no emulator leaves nothing to serve")
	}
	return nil
}

// PollTimeoutMax converts the configured bound, zero when unset.
func (c *Config) PollTimeoutMax() time.Duration {
	return time.Duration(c.USB.PollTimeoutMaxMs) * time.Millisecond
}
