package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/peernet/src/config"
	"github.com/mosaicnetworks/peernet/src/node"
	"github.com/mosaicnetworks/peernet/src/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a peernet node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runPeernet,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runPeernet(cmd *cobra.Command, args []string) error {
	conf := &_config.Peernet
	logger := conf.Logger()

	network := node.NewNetwork(conf)

	if err := network.Start(); err != nil {
		logger.Error("Cannot start network: ", err)
		return err
	}

	var srv *service.Service
	if !conf.NoService {
		srv = service.NewService(conf.ServiceAddr, network, logger.WithField("component", "service"))
		go srv.Serve()
	}

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	if srv != nil {
		srv.Close()
	}
	network.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	c := _config.Peernet

	cmd.Flags().String("datadir", c.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", c.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-dir", c.LogDir, "Directory of the per-level log files")

	// Network
	cmd.Flags().String("peer.ip", c.Peer.IP, "IP to bind and declare in handshakes")
	cmd.Flags().String("peer.host", c.Peer.Host, "Host name declared in handshakes")
	cmd.Flags().Uint16P("peer.port", "p", c.Peer.Port, "First port to listen on")
	cmd.Flags().Bool("peer.allow-port-incrementation", c.Peer.PortIncrementation(), "Try the next ports when the port is busy")
	cmd.Flags().Uint16("peer.max-port", c.Peer.MaxPort, "Last port tried")
	cmd.Flags().StringSliceP("bootstrap", "b", c.Bootstrap, "Comma-separated list of [tls://]IP:Port to dial at startup")

	// Limits
	cmd.Flags().Int("limits.peers", c.Limits.Peers, "Max number of active and handshaking peers")
	cmd.Flags().Int("limits.inbound-peers", c.Limits.InboundPeers, "Max number of active inbound peers")
	cmd.Flags().Int("limits.outbound-peers", c.Limits.OutboundPeers, "Max number of active outbound peers")

	// TLS
	cmd.Flags().String("ssl.key", c.SSL.Key, "TLS key file")
	cmd.Flags().String("ssl.cert", c.SSL.Cert, "TLS certificate file")
	cmd.Flags().Bool("ssl.skip-verify", c.SSL.SkipVerify, "Do not verify the certificates of SSL peers")

	// Timeouts
	cmd.Flags().Duration("timeouts.ping", c.Timeouts.Ping, "Time to wait for a pong")
	cmd.Flags().Duration("timeouts.waiting-for-activity", c.Timeouts.WaitingForActivity, "Time before a silent peer is disconnected")
	cmd.Flags().Duration("timeouts.handshake", c.Timeouts.Handshake, "Handshake timeout")
	cmd.Flags().Duration("timeouts.connect", c.Timeouts.Connect, "Dial timeout")
	cmd.Flags().Duration("timeouts.discard-grace", c.Timeouts.DiscardGrace, "Life of an inbound connection over the limits")

	// Discovery
	cmd.Flags().Duration("discovery.connect-more-interval", c.Discovery.ConnectMoreInterval, "Time between two connection cycles")
	cmd.Flags().Duration("discovery.ask-more-interval", c.Discovery.AskMoreInterval, "Time between two discovery requests")

	// Service
	cmd.Flags().StringP("service-listen", "s", c.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", c.NoService, "Disable HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	c := &_config.Peernet

	logger := c.Logger()
	logger.Logger.SetLevel(config.LogLevel(c.LogLevel))

	logger.WithFields(logrus.Fields{
		"peernet.DataDir":       c.DataDir,
		"peernet.Peer":          c.Peer,
		"peernet.Limits":        c.Limits,
		"peernet.Timeouts":      c.Timeouts,
		"peernet.Discovery":     c.Discovery,
		"peernet.Bootstrap":     c.Bootstrap,
		"peernet.SSL":           c.SSL.Enabled(),
		"peernet.ServiceAddr":   c.ServiceAddr,
		"peernet.NoService":     c.NoService,
		"peernet.LogLevel":      c.LogLevel,
		"peernet.LogDir":        c.LogDir,
		"peernet.PortIncrement": c.Peer.PortIncrementation(),
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/peernet.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigFile) // name of config file (without extension)
	viper.AddConfigPath(_config.Peernet.DataDir)  // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Peernet.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Peernet.Logger().Debugf("No config file found in: %s", _config.Peernet.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
