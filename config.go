// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
	"github.com/drivechain-suite/enforcerd/netparams"
)

const (
	defaultConfigFilename = "enforcerd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "enforcerd.log"
	defaultRPCMaxClients  = 10
	defaultSyncInterval   = 15 * time.Second
)

var (
	enforcerdHomeDir  = btcutil.AppDataDir("enforcerd", false)
	defaultConfigFile = filepath.Join(enforcerdHomeDir, defaultConfigFilename)
	defaultDataDir    = enforcerdHomeDir
	defaultLogDir     = filepath.Join(enforcerdHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the wallet ledger and proposal databases"`
	TestNet     bool   `long:"testnet" description:"Use the test network (default mainnet)"`
	SigNet      bool   `long:"signet" description:"Use the signet test network (default mainnet)"`
	RegNet      bool   `long:"regtest" description:"Use the regression test network (default mainnet)"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	Profile     string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	// Chain source options
	ChainBackend        string        `long:"chainbackend" description:"Chain source used for wallet sync {bitcoind, esplora}"`
	EsploraURL          string        `long:"esploraurl" description:"Base URL of the esplora REST API (chainbackend=esplora)"`
	Sidechains          []uint16      `long:"sidechain" description:"Sidechain slot to track deposits for (may be repeated)"`
	SyncInterval        time.Duration `long:"syncinterval" description:"Interval between periodic wallet syncs"`
	MiningRewardAddress string        `long:"miningrewardaddress" description:"Address receiving coinbase rewards in generated block templates"`

	// Node RPC client options
	RPCConnect   string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of bitcoind RPC server to connect to (default localhost:8332, testnet: localhost:18332, signet: localhost:38332, regtest: localhost:18443)"`
	NodeUsername string `long:"nodeusername" description:"Username for bitcoind authentication"`
	NodePassword string `long:"nodepassword" default-mask:"-" description:"Password for bitcoind authentication"`
	ZMQSequence  string `long:"zmqsequence" description:"bitcoind ZMQ sequence notification address (e.g. tcp://127.0.0.1:28332); empty disables mempool sync"`

	// RPC server options
	RPCListeners  []string `long:"rpclisten" description:"Listen for JSON-RPC connections on this interface/port (default port: 8380, testnet: 18380, signet: 38380, regtest: 18480)"`
	RPCMaxClients int64    `long:"rpcmaxclients" description:"Max number of RPC clients for standard connections"`
	Username      string   `short:"u" long:"username" description:"Username for JSON-RPC and bitcoind authentication (if nodeusername is unset)"`
	Password      string   `short:"P" long:"password" default-mask:"-" description:"Password for JSON-RPC and bitcoind authentication (if nodepassword is unset)"`

	// Derived values, not settable by the user.
	watchSidechains []drivechain.SidechainNumber
	rewardAddress   btcutil.Address
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(enforcerdHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, defaultPort)
		}
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in enforcerd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:    defaultLogLevel,
		ConfigFile:    defaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		ChainBackend:  chain.BackEndBitcoind,
		SyncInterval:  defaultSyncInterval,
		RPCMaxClients: defaultRPCMaxClients,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	activeNet = &netparams.MainNetParams
	if cfg.TestNet {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SigNet {
		activeNet = &netparams.SigNetParams
		numNets++
	}
	if cfg.RegNet {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, signet, and regtest params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so it is
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNet.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Name)

	// Ensure the data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	// Validate the chain backend selection.
	switch cfg.ChainBackend {
	case chain.BackEndBitcoind:
	case chain.BackEndEsplora:
		if cfg.EsploraURL == "" {
			str := "%s: esploraurl is required with " +
				"chainbackend=esplora"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	default:
		str := "%s: Unknown chain backend %q -- supported backends %v"
		err := fmt.Errorf(str, funcName, cfg.ChainBackend,
			chain.BackEnds())
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Validate the sidechain slots.
	cfg.watchSidechains = make([]drivechain.SidechainNumber, 0,
		len(cfg.Sidechains))
	for _, slot := range cfg.Sidechains {
		if slot > 255 {
			str := "%s: Sidechain slot %d is out of range"
			err := fmt.Errorf(str, funcName, slot)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.watchSidechains = append(cfg.watchSidechains,
			drivechain.SidechainNumber(slot))
	}

	// Decode the mining reward address against the active network.
	if cfg.MiningRewardAddress != "" {
		addr, err := btcutil.DecodeAddress(cfg.MiningRewardAddress,
			activeNet.Params)
		if err != nil {
			str := "%s: Invalid mining reward address %q: %v"
			err := fmt.Errorf(str, funcName,
				cfg.MiningRewardAddress, err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.rewardAddress = addr
	}

	// Default the node RPC connection to localhost on the active
	// network's RPC port.
	if cfg.RPCConnect == "" {
		cfg.RPCConnect = "localhost"
	}
	if _, _, err := net.SplitHostPort(cfg.RPCConnect); err != nil {
		cfg.RPCConnect = net.JoinHostPort(cfg.RPCConnect,
			activeNet.NodeRPCPort)
	}

	// The node credentials fall back to the RPC server credentials.
	if cfg.NodeUsername == "" {
		cfg.NodeUsername = cfg.Username
	}
	if cfg.NodePassword == "" {
		cfg.NodePassword = cfg.Password
	}

	// Default RPC to listen on localhost only.
	if len(cfg.RPCListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return nil, nil, err
		}
		cfg.RPCListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, activeNet.RPCPort)
			cfg.RPCListeners = append(cfg.RPCListeners, addr)
		}
	}
	cfg.RPCListeners = normalizeAddresses(cfg.RPCListeners,
		activeNet.RPCPort)

	return &cfg, remainingArgs, nil
}
