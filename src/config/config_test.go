package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := NewDefaultConfig()

	assert.Equal(t, "127.0.0.1", c.Peer.IP)
	assert.Equal(t, uint16(7132), c.Peer.Port)
	assert.Equal(t, uint16(8200), c.Peer.MaxPort)
	assert.True(t, c.Peer.PortIncrementation())
	assert.Equal(t, LimitsConfig{Peers: 25, InboundPeers: 17, OutboundPeers: 19}, c.Limits)
	assert.Equal(t, 5*time.Second, c.Timeouts.Ping)
	assert.Equal(t, 15*time.Second, c.Timeouts.WaitingForActivity)
	assert.Equal(t, 2*time.Second, c.Discovery.ConnectMoreInterval)
	assert.Equal(t, 3*time.Second, c.Discovery.AskMoreInterval)
	assert.False(t, c.SSL.Enabled())
}

func TestWithDefaults(t *testing.T) {
	incr := false
	c := &Config{
		Peer: PeerConfig{
			Port:                    9000,
			AllowPortIncrementation: &incr,
		},
		Limits: LimitsConfig{
			Peers: 3,
		},
		Timeouts: TimeoutsConfig{
			Ping: time.Second,
		},
		Bootstrap: []string{"127.0.0.1:9001"},
	}

	res := WithDefaults(c)

	// explicit values are kept
	assert.Equal(t, uint16(9000), res.Peer.Port)
	assert.False(t, res.Peer.PortIncrementation())
	assert.Equal(t, 3, res.Limits.Peers)
	assert.Equal(t, time.Second, res.Timeouts.Ping)
	assert.Equal(t, []string{"127.0.0.1:9001"}, res.Bootstrap)

	// missing values are filled
	assert.Equal(t, DefaultIP, res.Peer.IP)
	assert.Equal(t, uint16(DefaultMaxPort), res.Peer.MaxPort)
	assert.Equal(t, DefaultInboundPeers, res.Limits.InboundPeers)
	assert.Equal(t, DefaultOutboundPeers, res.Limits.OutboundPeers)
	assert.Equal(t, DefaultWaitingForActivity, res.Timeouts.WaitingForActivity)
	assert.Equal(t, DefaultAskMoreInterval, res.Discovery.AskMoreInterval)

	// the input is untouched
	assert.Equal(t, "", c.Peer.IP)
	assert.Equal(t, 0, c.Limits.InboundPeers)

	res.Bootstrap[0] = "changed"
	assert.Equal(t, "127.0.0.1:9001", c.Bootstrap[0])

	assert.Equal(t, NewDefaultConfig().Limits, WithDefaults(nil).Limits)
}

func TestSSLFiles(t *testing.T) {
	c := NewDefaultConfig()
	c.DataDir = "/data"

	assert.Equal(t, filepath.Join("/data", DefaultKeyFile), c.KeyFile())
	assert.Equal(t, filepath.Join("/data", DefaultCertFile), c.CertFile())

	c.SSL.Key = "/etc/k.pem"
	c.SSL.Cert = "/etc/c.pem"
	assert.True(t, c.SSL.Enabled())
	assert.Equal(t, "/etc/k.pem", c.KeyFile())
	assert.Equal(t, "/etc/c.pem", c.CertFile())
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, LogLevel("info"))
	assert.Equal(t, logrus.ErrorLevel, LogLevel("error"))
	assert.Equal(t, logrus.DebugLevel, LogLevel("nonsense"))
}

func TestLoggerFileHook(t *testing.T) {
	dir, err := ioutil.TempDir("", "peernet")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := NewDefaultConfig()
	c.LogLevel = "info"
	c.LogDir = dir

	logger := c.Logger()
	assert.Equal(t, logrus.InfoLevel, logger.Logger.Level)
	assert.Equal(t, "peernet", logger.Data["prefix"])

	logger.Info("hello")

	data, err := ioutil.ReadFile(filepath.Join(dir, "peernet_info.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
