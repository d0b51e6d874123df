package nodenet

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/nodenet/build"
	"github.com/lightningnetwork/nodenet/deadline"
	"github.com/lightningnetwork/nodenet/monitoring"
	"github.com/lightningnetwork/nodenet/peer"
	"github.com/lightningnetwork/nodenet/protocol"
)

const (
	defaultConfigFilename    = "nodenet.conf"
	defaultDataDirname       = "data"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "nodenet.log"
	defaultLogLevel          = "info"
	defaultMaxLogFiles       = 3
	defaultMaxLogFileSize    = 10
	defaultMaxOutbound       = 8
	defaultChannelExpiration = 90 * time.Minute
	defaultChannelInactivity = 10 * time.Minute
	defaultStatsInterval     = time.Minute
)

var (
	// DefaultNodenetDir is the default directory where nodenet tries to
	// find its configuration file and store its data.
	DefaultNodenetDir = btcutil.AppDataDir("nodenet", false)

	// DefaultConfigFile is the default full path of nodenet's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultNodenetDir, defaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultNodenetDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultNodenetDir, defaultLogDirname)
)

// Config defines the configuration options for nodenet.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	NodenetDir string `long:"nodenetdir" description:"The base directory that contains nodenet's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store nodenet's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string `long:"logcompressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`

	TestNet3 bool `long:"testnet" description:"Use the test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`

	Listeners     []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces, port: network default)"`
	DisableListen bool     `long:"nolisten" description:"Disable listening for incoming connections"`
	ConnectPeers  []string `long:"connect" description:"Connect only to the specified peers at startup"`
	ExternalIP    string   `long:"externalip" description:"The address announced to peers as our own"`
	MaxOutbound   int      `long:"maxoutbound" description:"Max number of outbound connections"`

	UserAgentComments []string `long:"useragentcomment" description:"Comment to add to the user agent -- See BIP 14 for more information."`
	BlocksOnly        bool     `long:"blocksonly" description:"Do not request transaction relay from peers"`

	HandshakeTimeout  time.Duration `long:"handshaketimeout" description:"The time allowed for the version handshake to complete"`
	ChannelExpiration time.Duration `long:"channelexpiration" description:"The maximum lifetime of a connection"`
	ChannelInactivity time.Duration `long:"channelinactivity" description:"The longest a connection may go without traffic"`
	PingInterval      time.Duration `long:"pinginterval" description:"The time between keepalive pings; 0 disables them"`
	StatsInterval     time.Duration `long:"statsinterval" description:"The time between connection summaries in the log"`

	Prometheus monitoring.Config `group:"prometheus" namespace:"prometheus"`

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams *chaincfg.Params

	// externalAddr is the parsed ExternalIP, if any.
	externalAddr *wire.NetAddress
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		NodenetDir:        DefaultNodenetDir,
		ConfigFile:        DefaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		DebugLevel:        defaultLogLevel,
		MaxLogFiles:       defaultMaxLogFiles,
		MaxLogFileSize:    defaultMaxLogFileSize,
		LogCompressor:     build.Gzip,
		MaxOutbound:       defaultMaxOutbound,
		HandshakeTimeout:  protocol.DefaultHandshakeTimeout,
		ChannelExpiration: defaultChannelExpiration,
		ChannelInactivity: defaultChannelInactivity,
		PingInterval:      protocol.DefaultPingInterval,
		StatsInterval:     defaultStatsInterval,
		ActiveNetParams:   &chaincfg.MainNetParams,
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", protocol.DefaultUserAgentVersion)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their nodenetdir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.NodenetDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultNodenetDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Initialize the rotating log file so the subsystem loggers have
	// somewhere to write besides stdout.
	err = logRotator.InitLogRotator(&build.RotatorConfig{
		MaxLogFiles:    cleanCfg.MaxLogFiles,
		MaxLogFileSize: cleanCfg.MaxLogFileSize,
		Compressor:     cleanCfg.LogCompressor,
	}, filepath.Join(cleanCfg.LogDir, defaultLogFilename))
	if err != nil {
		return nil, fmt.Errorf("unable to initialize log rotator: %w",
			err)
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		ndntLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided nodenet directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	nodenetDir := CleanAndExpandPath(cfg.NodenetDir)
	if nodenetDir != DefaultNodenetDir {
		cfg.DataDir = filepath.Join(nodenetDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(nodenetDir, defaultLogDirname)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	// Multiple networks can't be selected simultaneously. Count number of
	// network flags passed; assign active network params while we're at
	// it.
	numNets := 0
	cfg.ActiveNetParams = &chaincfg.MainNetParams
	if cfg.TestNet3 {
		numNets++
		cfg.ActiveNetParams = &chaincfg.TestNet3Params
	}
	if cfg.RegTest {
		numNets++
		cfg.ActiveNetParams = &chaincfg.RegressionNetParams
	}
	if cfg.SimNet {
		numNets++
		cfg.ActiveNetParams = &chaincfg.SimNetParams
	}
	if cfg.SigNet {
		numNets++
		cfg.ActiveNetParams = &chaincfg.SigNetParams
	}
	if numNets > 1 {
		str := "The testnet, regtest, simnet and signet params " +
			"can't be used together -- choose one of the four"
		return nil, mkErr(str, usageMessage)
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.ActiveNetParams.Name)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.ActiveNetParams.Name)

	if cfg.MaxLogFiles < 0 || cfg.MaxLogFileSize < 0 {
		return nil, mkErr("log file limits must not be negative",
			usageMessage)
	}
	if !build.SupportedLogCompressor(cfg.LogCompressor) {
		return nil, mkErr(fmt.Sprintf("invalid log compressor: %v",
			cfg.LogCompressor), usageMessage)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, logManager)
	if err != nil {
		return nil, mkErr(err.Error(), usageMessage)
	}

	for _, durationOpt := range []struct {
		name  string
		value time.Duration
	}{
		{"handshaketimeout", cfg.HandshakeTimeout},
		{"channelexpiration", cfg.ChannelExpiration},
		{"channelinactivity", cfg.ChannelInactivity},
		{"statsinterval", cfg.StatsInterval},
	} {
		if durationOpt.value <= 0 {
			return nil, mkErr(fmt.Sprintf("%v must be positive",
				durationOpt.name), usageMessage)
		}
	}
	if cfg.PingInterval < 0 {
		return nil, mkErr("pinginterval must not be negative",
			usageMessage)
	}

	// Validate any given user agent comments to ensure they don't contain
	// characters reserved by BIP 14.
	for _, uaComment := range cfg.UserAgentComments {
		if strings.ContainsAny(uaComment, "/:()") {
			return nil, mkErr(fmt.Sprintf("The following "+
				"characters must not appear in user agent "+
				"comments: '/', ':', '(', ')': %v", uaComment),
				usageMessage)
		}
	}
	userAgent := protocol.UserAgent(
		protocol.DefaultUserAgentName,
		protocol.DefaultUserAgentVersion, cfg.UserAgentComments...,
	)
	if len(userAgent) > wire.MaxUserAgentLen {
		return nil, mkErr("user agent comments are too long",
			usageMessage)
	}

	if cfg.MaxOutbound < 0 {
		return nil, mkErr("maxoutbound must not be negative",
			usageMessage)
	}
	if len(cfg.ConnectPeers) > cfg.MaxOutbound {
		return nil, mkErr(fmt.Sprintf("%d connect peers exceed "+
			"maxoutbound of %d", len(cfg.ConnectPeers),
			cfg.MaxOutbound), usageMessage)
	}

	// Add default port to all listener and connect addresses if needed.
	defaultPort := cfg.ActiveNetParams.DefaultPort
	if len(cfg.Listeners) == 0 && !cfg.DisableListen {
		cfg.Listeners = []string{net.JoinHostPort("", defaultPort)}
	}
	if cfg.DisableListen {
		cfg.Listeners = nil
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners, defaultPort)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers, defaultPort)

	if cfg.ExternalIP != "" {
		addr, err := peer.ParseNetAddress(
			normalizeAddress(cfg.ExternalIP, defaultPort),
			cfg.services(),
		)
		if err != nil {
			return nil, mkErr(fmt.Sprintf("invalid externalip: %v",
				err), usageMessage)
		}
		cfg.externalAddr = addr
	}

	return &cfg, nil
}

// mkErr formats a configuration error the way the command line parser does.
func mkErr(str, usageMessage string) error {
	err := errors.New(str)
	_, _ = fmt.Fprintln(os.Stderr, err)
	_, _ = fmt.Fprintln(os.Stderr, usageMessage)

	return err
}

// services returns the services we announce.
func (c *Config) services() wire.ServiceFlag {
	return wire.SFNodeNetwork
}

// Settings returns the handshake settings described by the config.
func (c *Config) Settings() *protocol.Settings {
	return &protocol.Settings{
		HandshakeTimeout: c.HandshakeTimeout,
		ProtocolVersion:  wire.ProtocolVersion,
		Services:         c.services(),
		Relay:            !c.BlocksOnly,
		Self:             c.externalAddr,
		UserAgent: protocol.UserAgent(
			protocol.DefaultUserAgentName,
			protocol.DefaultUserAgentVersion,
			c.UserAgentComments...,
		),
	}
}

// ServerConfig returns the server parameters described by the config. The
// listeners are opened by the caller.
func (c *Config) ServerConfig() *ServerConfig {
	return &ServerConfig{
		Net:             c.ActiveNetParams.Net,
		ProtocolVersion: wire.ProtocolVersion,
		Settings:        c.Settings(),
		Expiration:      c.ChannelExpiration,
		Inactivity:      c.ChannelInactivity,
		JitterRatio:     deadline.DefaultJitterRatio,
		PingInterval:    c.PingInterval,
		StatsInterval:   c.StatsInterval,
		ConnectPeers:    c.ConnectPeers,
		TargetOutbound:  uint32(c.MaxOutbound),
	}
}

// normalizeAddress returns addr with the default port appended if it lacks
// one.
func normalizeAddress(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		return net.JoinHostPort(host, defaultPort)
	}

	return addr
}

// normalizeAddresses returns a new slice with all the passed addresses
// normalized with the given default port and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; ok {
			continue
		}

		result = append(result, addr)
		seen[addr] = struct{}{}
	}

	return result
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
