package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.hubclient/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Profile is the per-profile ~/.hubclient/profiles/<name>/config.toml.
type Profile struct {
	ServerURL          string   `toml:"server_url"`
	HubPath            string   `toml:"hub_path"`
	NegotiateTimeout   Duration `toml:"negotiate_timeout"`
	HealthInterval     Duration `toml:"health_interval"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	DedupCapacity      int      `toml:"dedup_capacity"`
	DedupRetain        int      `toml:"dedup_retain"`
	DedupTrimInterval  Duration `toml:"dedup_trim_interval"`
	TypingRate         float64  `toml:"typing_rate"`
	AutoFlush          bool     `toml:"auto_flush"`
	MetricsAddr        string   `toml:"metrics_addr"`
}

// DefaultProfile returns a profile with every field at its default value.
func DefaultProfile() *Profile {
	return &Profile{
		HubPath:            "/chat-hub",
		NegotiateTimeout:   Duration{30 * time.Second},
		HealthInterval:     Duration{30 * time.Second},
		MaxConnectAttempts: 5,
		DedupCapacity:      500,
		DedupRetain:        250,
		DedupTrimInterval:  Duration{2 * time.Minute},
		TypingRate:         2,
		AutoFlush:          true,
	}
}

// LoadProfile reads a profile config, layering it over DefaultProfile.
// A missing file yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		return nil, err
	}
	p.fillZero()
	return p, nil
}

// SaveProfile writes a profile config to path.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func (p *Profile) fillZero() {
	d := DefaultProfile()
	if p.HubPath == "" {
		p.HubPath = d.HubPath
	}
	if p.NegotiateTimeout.Duration <= 0 {
		p.NegotiateTimeout = d.NegotiateTimeout
	}
	if p.HealthInterval.Duration <= 0 {
		p.HealthInterval = d.HealthInterval
	}
	if p.MaxConnectAttempts <= 0 {
		p.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if p.DedupCapacity <= 0 {
		p.DedupCapacity = d.DedupCapacity
	}
	if p.DedupRetain <= 0 || p.DedupRetain > p.DedupCapacity {
		p.DedupRetain = p.DedupCapacity / 2
	}
	if p.DedupTrimInterval.Duration <= 0 {
		p.DedupTrimInterval = d.DedupTrimInterval
	}
	if p.TypingRate <= 0 {
		p.TypingRate = d.TypingRate
	}
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
