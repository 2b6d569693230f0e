package node

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/lantalk/lantalk-node/pkg/protocol"
)

var ErrBadTimeouts = errors.New("peer timeout must exceed the announce interval")

// Config holds the engine configuration.
type Config struct {
	Username string // protocol sender name
	Hostname string // protocol sender host
	Nickname string // display name announced to peers

	Port         int // preferred UDP port
	BindAttempts int // sequential ports tried from Port

	// PeerTimeout derives online status; it must always exceed
	// AnnounceInterval or peers flap offline between announcements.
	PeerTimeout      time.Duration
	AnnounceInterval time.Duration
	ReceiveTimeout   time.Duration

	QueueSize   int    // bounded hand-off between receive loop and worker
	DownloadDir string // where accepted downloads land
}

// DefaultConfig returns a config populated from the environment.
func DefaultConfig() Config {
	username := "lantalk"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return Config{
		Username:         username,
		Hostname:         hostname,
		Nickname:         username,
		Port:             protocol.DefaultPort,
		BindAttempts:     10,
		PeerTimeout:      3 * time.Minute,
		AnnounceInterval: 30 * time.Second,
		ReceiveTimeout:   100 * time.Millisecond,
		QueueSize:        256,
		DownloadDir:      ".",
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Username == "" || c.Hostname == "" {
		return errors.New("username and hostname must not be empty")
	}
	if c.PeerTimeout <= c.AnnounceInterval {
		return fmt.Errorf("%w: timeout %v, interval %v", ErrBadTimeouts, c.PeerTimeout, c.AnnounceInterval)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BindAttempts <= 0 {
		c.BindAttempts = 1
	}
	return nil
}
