package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const fallbackSecret = "pico-gate-default-secret-do-not-use-in-production"

type Config struct {
	HTTPAddr         string        `yaml:"http_addr"`
	CommandAddr      string        `yaml:"command_addr"`
	PasskeyFile      string        `yaml:"passkey_file"`
	PasskeyDB        string        `yaml:"passkey_db"`
	BackendAddr      string        `yaml:"backend_addr"`
	Secret           string        `yaml:"secret"`
	AllowedClients   []string      `yaml:"allowed_clients"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	PeerTTL          time.Duration `yaml:"peer_ttl"`
	RegistrySweep    time.Duration `yaml:"registry_sweep"`
	PasskeyRefresh   time.Duration `yaml:"passkey_refresh"`
	RelayTimeout     time.Duration `yaml:"relay_timeout"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	Debug            bool          `yaml:"debug"`
}

var DefaultConfig = Config{
	HTTPAddr:         ":8080",
	CommandAddr:      "127.0.0.1:6380",
	Secret:           fallbackSecret,
	AnnounceInterval: defaultInterval * time.Second,
	PeerTTL:          peerTTL,
	RegistrySweep:    5 * time.Minute,
	PasskeyRefresh:   5 * time.Minute,
	RelayTimeout:     10 * time.Second,
	RateLimit:        5,
	RateBurst:        20,
}

// LoadConfig reads filename over DefaultConfig. A missing file yields the
// defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	if filename == "" {
		return &c, nil
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", filename)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "" && c.CommandAddr == "":
		return errors.New("at least one of http_addr and command_addr is required")
	case c.AnnounceInterval < time.Second:
		return errors.Errorf("announce_interval %v is below one second", c.AnnounceInterval)
	case c.PeerTTL <= 0:
		return errors.New("peer_ttl must be positive")
	case c.RegistrySweep <= 0:
		return errors.New("registry_sweep must be positive")
	case c.PasskeyRefresh <= 0:
		return errors.New("passkey_refresh must be positive")
	case c.RelayTimeout <= 0:
		return errors.New("relay_timeout must be positive")
	case c.PasskeyFile != "" && c.PasskeyDB != "":
		return errors.New("passkey_file and passkey_db are mutually exclusive")
	case c.RateLimit < 0 || c.RateBurst < 0:
		return errors.New("rate_limit and rate_burst cannot be negative")
	}
	if _, err := clientTableFromNames(c.AllowedClients); err != nil {
		return errors.Wrap(err, "allowed_clients")
	}
	return nil
}

func (c *Config) intervalSeconds() int64 {
	return int64(c.AnnounceInterval / time.Second)
}
