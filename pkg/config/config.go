// Package config loads the daemon configuration from a YAML file and
// converts it into the per-component configs.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lantalk/lantalk-node/pkg/api"
	"github.com/lantalk/lantalk-node/pkg/node"
)

// File is the on-disk configuration. Zero fields keep their defaults.
type File struct {
	Username string `yaml:"username"`
	Hostname string `yaml:"hostname"`
	Nickname string `yaml:"nickname"`

	Port             int    `yaml:"port"`
	BindAttempts     int    `yaml:"bind_attempts"`
	PeerTimeout      string `yaml:"peer_timeout"`
	AnnounceInterval string `yaml:"announce_interval"`
	QueueSize        int    `yaml:"queue_size"`
	DownloadDir      string `yaml:"download_dir"`

	APIPort  int    `yaml:"api_port"`
	Database string `yaml:"database"`
	Password string `yaml:"password"`
}

// DefaultPath returns the default config file path: ~/.lantalk/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".lantalk", "config.yaml")
	}
	return filepath.Join(home, ".lantalk", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns an empty File with no error.
func Load(path string) (*File, error) {
	f := &File{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

// NodeConfig merges the file over the environment-derived defaults.
func (f *File) NodeConfig() (node.Config, error) {
	cfg := node.DefaultConfig()

	if f.Username != "" {
		cfg.Username = f.Username
	}
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.Nickname != "" {
		cfg.Nickname = f.Nickname
	}
	if f.Port > 0 {
		cfg.Port = f.Port
	}
	if f.BindAttempts > 0 {
		cfg.BindAttempts = f.BindAttempts
	}
	if f.QueueSize > 0 {
		cfg.QueueSize = f.QueueSize
	}
	if f.DownloadDir != "" {
		cfg.DownloadDir = f.DownloadDir
	}

	if f.PeerTimeout != "" {
		d, err := time.ParseDuration(f.PeerTimeout)
		if err != nil {
			return cfg, err
		}
		cfg.PeerTimeout = d
	}
	if f.AnnounceInterval != "" {
		d, err := time.ParseDuration(f.AnnounceInterval)
		if err != nil {
			return cfg, err
		}
		cfg.AnnounceInterval = d
	}

	return cfg, cfg.Validate()
}

// APIConfig builds the control-API config from the file.
func (f *File) APIConfig() *api.Config {
	cfg := api.DefaultConfig()
	if f.APIPort > 0 {
		cfg.Port = f.APIPort
	}
	return cfg
}
