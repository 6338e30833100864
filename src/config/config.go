package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/keepsimple1/heartwood/src/common"
)

// Default filenames inside the data directory.
const (
	// DefaultDBFile is the default name of the SQLite database holding the
	// address book, announcements and routing table.
	DefaultDBFile = "node.db"

	// DefaultPeersFile is the default name of the bootstrap peers file.
	DefaultPeersFile = "peers.json"
)

// Default configuration values.
const (
	DefaultLogLevel       = "debug"
	DefaultBindAddr       = "127.0.0.1:8776"
	DefaultServiceAddr    = "127.0.0.1:8777"
	DefaultTransferAddr   = "unix:transfer.sock"
	DefaultAnnounceTTL    = 6
	DefaultRelayFanout    = 0
	DefaultMaxSessions    = 32
	DefaultQueueSize      = 256
	DefaultDedupSize      = 10000
	DefaultRatePerSecond  = 10.0
	DefaultRateBurst      = 32
	DefaultMaxFetches     = 4
	DefaultFetchAttempts  = 3
	DefaultFetchTimeout   = 60 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 90 * time.Second
	DefaultCloseGrace     = 1 * time.Second
	DefaultAnnouncePeriod = 10 * time.Minute
	DefaultPrunePeriod    = 1 * time.Hour
	DefaultAddressTTL     = 7 * 24 * time.Hour
)

// Config contains all the configuration properties of a heartwood node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, routes all log output to a file in addition to
	// stderr.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node listens for peer
	// sessions.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the address announced to other nodes when it differs
	// from BindAddr, typically because the bind address is not routable.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// TransferAddr is the RPC endpoint of the replication collaborator. A
	// "unix:" prefix selects a unix domain socket. Relative socket paths are
	// resolved against the data directory.
	TransferAddr string `mapstructure:"transfer-addr"`

	// Alias is the friendly name announced alongside this node's identity.
	Alias string `mapstructure:"alias"`

	// AnnounceTTL is the hop budget on locally originated announcements.
	AnnounceTTL uint8 `mapstructure:"announce-ttl"`

	// RelayFanout bounds how many sessions an accepted announcement is
	// relayed to. Zero relays to every eligible session.
	RelayFanout int `mapstructure:"relay-fanout"`

	// MaxSessions bounds the number of concurrent peer sessions.
	MaxSessions int `mapstructure:"max-sessions"`

	// QueueSize is the outbound message buffer per session.
	QueueSize int `mapstructure:"queue-size"`

	// DedupSize is the estimated capacity of each per-session announcement
	// deduplication filter.
	DedupSize uint `mapstructure:"dedup-size"`

	// RatePerSecond and RateBurst parameterize the per-announcer gossip
	// rate limit.
	RatePerSecond float64 `mapstructure:"rate-per-second"`
	RateBurst     int     `mapstructure:"rate-burst"`

	// MaxFetches bounds the number of concurrent repository transfers.
	MaxFetches int `mapstructure:"max-fetches"`

	// FetchAttempts bounds how many candidate peers are tried per fetch.
	FetchAttempts int `mapstructure:"fetch-attempts"`

	// FetchTimeout bounds one fetch attempt against one candidate.
	FetchTimeout time.Duration `mapstructure:"fetch-timeout"`

	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// PingInterval is how often idle sessions are probed.
	PingInterval time.Duration `mapstructure:"ping-interval"`

	// PongTimeout is how long a session may go without answering a probe
	// before it is torn down. The same deadline applies to sessions that
	// never complete their handshake.
	PongTimeout time.Duration `mapstructure:"pong-timeout"`

	// CloseGrace bounds the best-effort flush of buffered outbound
	// messages when a session is closed deliberately.
	CloseGrace time.Duration `mapstructure:"close-grace"`

	// AnnouncePeriod is how often the node re-announces its own identity
	// and inventory.
	AnnouncePeriod time.Duration `mapstructure:"announce-period"`

	// PrunePeriod is how often stale address book entries are evicted.
	PrunePeriod time.Duration `mapstructure:"prune-period"`

	// AddressTTL is how long an address survives in the address book
	// without being seen.
	AddressTTL time.Duration `mapstructure:"address-ttl"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:        DefaultDataDir(),
		LogLevel:       DefaultLogLevel,
		BindAddr:       DefaultBindAddr,
		ServiceAddr:    DefaultServiceAddr,
		TransferAddr:   DefaultTransferAddr,
		AnnounceTTL:    DefaultAnnounceTTL,
		RelayFanout:    DefaultRelayFanout,
		MaxSessions:    DefaultMaxSessions,
		QueueSize:      DefaultQueueSize,
		DedupSize:      DefaultDedupSize,
		RatePerSecond:  DefaultRatePerSecond,
		RateBurst:      DefaultRateBurst,
		MaxFetches:     DefaultMaxFetches,
		FetchAttempts:  DefaultFetchAttempts,
		FetchTimeout:   DefaultFetchTimeout,
		DialTimeout:    DefaultDialTimeout,
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		CloseGrace:     DefaultCloseGrace,
		AnnouncePeriod: DefaultAnnouncePeriod,
		PrunePeriod:    DefaultPrunePeriod,
		AddressTTL:     DefaultAddressTTL,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	config.logger.Level = level
	return config
}

// SetDataDir sets the top-level heartwood directory.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
}

// DBFile returns the full path of the SQLite database.
func (c *Config) DBFile() string {
	return filepath.Join(c.DataDir, DefaultDBFile)
}

// PeersFile returns the full path of the bootstrap peers file.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// ResolvedTransferAddr resolves a relative unix socket path against the
// data directory.
func (c *Config) ResolvedTransferAddr() string {
	addr := c.TransferAddr
	if len(addr) > 5 && addr[:5] == "unix:" && !filepath.IsAbs(addr[5:]) {
		return "unix:" + filepath.Join(c.DataDir, addr[5:])
	}
	return addr
}

// Logger returns a formatted logrus Entry, with prefix set to "heartwood".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
				c.logger.WithError(err).Info("Failed to open log file, using stderr only")
			} else {
				c.logger.Hooks.Add(lfshook.NewHook(
					c.LogFile,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "heartwood")
}

// DefaultDataDir returns the default directory name for top-level heartwood
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Heartwood")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Heartwood")
		} else {
			return filepath.Join(home, ".heartwood")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
