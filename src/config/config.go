package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/peernet/src/common"
	"github.com/mosaicnetworks/peernet/src/net"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultConfigFile is the name, without extension, of the configuration
	// file read from the data directory.
	DefaultConfigFile = "peernet"

	// DefaultKeyFile and DefaultCertFile are the TLS key and certificate
	// looked up in the data directory when ssl.key and ssl.cert are not set.
	DefaultKeyFile  = "key.pem"
	DefaultCertFile = "cert.pem"
)

// Default configuration values.
const (
	DefaultLogLevel                = "debug"
	DefaultIP                      = "127.0.0.1"
	DefaultPort                    = 7132
	DefaultAllowPortIncrementation = true
	DefaultMaxPort                 = 8200
	DefaultPeers                   = 25
	DefaultInboundPeers            = 17
	DefaultOutboundPeers           = 19
	DefaultPingTimeout             = 5 * time.Second
	DefaultWaitingForActivity      = 15 * time.Second
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultConnectTimeout          = 5 * time.Second
	DefaultDiscardGrace            = 10 * time.Second
	DefaultConnectMoreInterval     = 2 * time.Second
	DefaultAskMoreInterval         = 3 * time.Second
	DefaultServiceAddr             = "127.0.0.1:8000"
)

// PeerConfig is the local endpoint.
type PeerConfig struct {
	// IP is the address the node binds to and declares in handshakes.
	IP string `mapstructure:"ip"`

	// Host, if set, is declared in handshakes instead of relying on the
	// observed IP, and used by remote peers to dial us.
	Host string `mapstructure:"host"`

	// Port is the first port tried.
	Port uint16 `mapstructure:"port"`

	// AllowPortIncrementation lets the node try the following ports, up to
	// MaxPort, when Port is busy. nil means the default (true).
	AllowPortIncrementation *bool `mapstructure:"allow-port-incrementation"`

	MaxPort uint16 `mapstructure:"max-port"`
}

// PortIncrementation returns the effective AllowPortIncrementation.
func (p PeerConfig) PortIncrementation() bool {
	if p.AllowPortIncrementation == nil {
		return DefaultAllowPortIncrementation
	}
	return *p.AllowPortIncrementation
}

// LimitsConfig caps the number of connections.
type LimitsConfig struct {
	// Peers bounds active plus handshaking connections.
	Peers int `mapstructure:"peers"`

	InboundPeers  int `mapstructure:"inbound-peers"`
	OutboundPeers int `mapstructure:"outbound-peers"`
}

// SSLConfig enables TLS on the listening socket when both files are set.
type SSLConfig struct {
	Key  string `mapstructure:"key"`
	Cert string `mapstructure:"cert"`

	// SkipVerify disables certificate checks when dialing SSL peers. This
	// should be used only for testing.
	SkipVerify bool `mapstructure:"skip-verify"`
}

// Enabled reports whether TLS is configured.
func (s SSLConfig) Enabled() bool {
	return s.Key != "" && s.Cert != ""
}

// TimeoutsConfig groups the protocol timeouts.
type TimeoutsConfig struct {
	// Ping is how long a ping waits for its pong.
	Ping time.Duration `mapstructure:"ping"`

	// WaitingForActivity is how long an active peer may stay silent before
	// it is disconnected.
	WaitingForActivity time.Duration `mapstructure:"waiting-for-activity"`

	Handshake time.Duration `mapstructure:"handshake"`
	Connect   time.Duration `mapstructure:"connect"`

	// DiscardGrace bounds the life of an inbound connection kept over the
	// limits only to answer a discovery request.
	DiscardGrace time.Duration `mapstructure:"discard-grace"`
}

// DiscoveryConfig sets the pace of the discovery loops.
type DiscoveryConfig struct {
	ConnectMoreInterval time.Duration `mapstructure:"connect-more-interval"`
	AskMoreInterval     time.Duration `mapstructure:"ask-more-interval"`
}

// Config contains all the configuration properties of a peernet node.
type Config struct {
	// DataDir is the top-level directory containing the configuration file,
	// peers.json and the optional TLS files.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogDir, if set, receives one log file per level.
	LogDir string `mapstructure:"log-dir"`

	Peer      PeerConfig      `mapstructure:"peer"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	SSL       SSLConfig       `mapstructure:"ssl"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Bootstrap is a list of addresses dialed at startup, on top of those
	// listed in peers.json.
	Bootstrap []string `mapstructure:"bootstrap"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Stream, when set, replaces the TCP/TLS listener. It is used to run
	// networks in memory.
	Stream net.StreamLayer `mapstructure:"-"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	incr := DefaultAllowPortIncrementation

	config := &Config{
		DataDir:  DefaultDataDir(),
		LogLevel: DefaultLogLevel,
		Peer: PeerConfig{
			IP:                      DefaultIP,
			Port:                    DefaultPort,
			AllowPortIncrementation: &incr,
			MaxPort:                 DefaultMaxPort,
		},
		Limits: LimitsConfig{
			Peers:         DefaultPeers,
			InboundPeers:  DefaultInboundPeers,
			OutboundPeers: DefaultOutboundPeers,
		},
		Timeouts: TimeoutsConfig{
			Ping:               DefaultPingTimeout,
			WaitingForActivity: DefaultWaitingForActivity,
			Handshake:          DefaultHandshakeTimeout,
			Connect:            DefaultConnectTimeout,
			DiscardGrace:       DefaultDiscardGrace,
		},
		Discovery: DiscoveryConfig{
			ConnectMoreInterval: DefaultConnectMoreInterval,
			AskMoreInterval:     DefaultAskMoreInterval,
		},
		ServiceAddr: DefaultServiceAddr,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// WithDefaults returns a copy of c in which every zero field is replaced by
// its default value. c is not modified.
func WithDefaults(c *Config) *Config {
	def := NewDefaultConfig()
	if c == nil {
		return def
	}

	res := *c
	res.Bootstrap = append([]string(nil), c.Bootstrap...)

	if res.DataDir == "" {
		res.DataDir = def.DataDir
	}
	if res.LogLevel == "" {
		res.LogLevel = def.LogLevel
	}
	if res.ServiceAddr == "" {
		res.ServiceAddr = def.ServiceAddr
	}

	if res.Peer.IP == "" {
		res.Peer.IP = def.Peer.IP
	}
	if res.Peer.Port == 0 && c.Stream == nil {
		res.Peer.Port = def.Peer.Port
	}
	if res.Peer.AllowPortIncrementation == nil {
		res.Peer.AllowPortIncrementation = def.Peer.AllowPortIncrementation
	}
	if res.Peer.MaxPort == 0 {
		res.Peer.MaxPort = def.Peer.MaxPort
	}

	if res.Limits.Peers == 0 {
		res.Limits.Peers = def.Limits.Peers
	}
	if res.Limits.InboundPeers == 0 {
		res.Limits.InboundPeers = def.Limits.InboundPeers
	}
	if res.Limits.OutboundPeers == 0 {
		res.Limits.OutboundPeers = def.Limits.OutboundPeers
	}

	if res.Timeouts.Ping == 0 {
		res.Timeouts.Ping = def.Timeouts.Ping
	}
	if res.Timeouts.WaitingForActivity == 0 {
		res.Timeouts.WaitingForActivity = def.Timeouts.WaitingForActivity
	}
	if res.Timeouts.Handshake == 0 {
		res.Timeouts.Handshake = def.Timeouts.Handshake
	}
	if res.Timeouts.Connect == 0 {
		res.Timeouts.Connect = def.Timeouts.Connect
	}
	if res.Timeouts.DiscardGrace == 0 {
		res.Timeouts.DiscardGrace = def.Timeouts.DiscardGrace
	}

	if res.Discovery.ConnectMoreInterval == 0 {
		res.Discovery.ConnectMoreInterval = def.Discovery.ConnectMoreInterval
	}
	if res.Discovery.AskMoreInterval == 0 {
		res.Discovery.AskMoreInterval = def.Discovery.AskMoreInterval
	}

	return &res
}

// KeyFile returns the TLS key path, falling back to the data directory.
func (c *Config) KeyFile() string {
	if c.SSL.Key != "" {
		return c.SSL.Key
	}
	return filepath.Join(c.DataDir, DefaultKeyFile)
}

// CertFile returns the TLS certificate path, falling back to the data
// directory.
func (c *Config) CertFile() string {
	if c.SSL.Cert != "" {
		return c.SSL.Cert
	}
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "peernet".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogDir != "" {
			c.logger.Hooks.Add(newFileHook(c.LogDir))
		}
	}
	return c.logger.WithField("prefix", "peernet")
}

// newFileHook writes each level to its own file in dir.
func newFileHook(dir string) logrus.Hook {
	pathMap := lfshook.PathMap{
		logrus.DebugLevel: filepath.Join(dir, "peernet_debug.log"),
		logrus.InfoLevel:  filepath.Join(dir, "peernet_info.log"),
		logrus.WarnLevel:  filepath.Join(dir, "peernet_warn.log"),
		logrus.ErrorLevel: filepath.Join(dir, "peernet_error.log"),
	}
	return lfshook.NewHook(pathMap, &logrus.TextFormatter{})
}

// DefaultDataDir return the default directory name for top-level peernet
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Peernet")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Peernet")
		} else {
			return filepath.Join(home, ".peernet")
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
