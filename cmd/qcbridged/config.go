// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"qcbridge.org/qcbridge/bridge"
)

const (
	defaultConfigFilename = "qcbridged.conf"
	defaultLogFilename    = "qcbridged.log"
	defaultCertFilename   = "rpc.cert"
	defaultKeyFilename    = "rpc.key"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogZips     = 16
	defaultAdminAddr      = "127.0.0.1:7342"

	defaultRequiredConfs     = 6
	defaultMaxAttestationAge = time.Hour
	defaultStaleThreshold    = 24 * time.Hour
	defaultBindingTTL        = 24 * time.Hour
	defaultMinRedemption     = 10_000         // sats
	defaultMaxRedemption     = 1_000_000_000 // 10 BTC in sats
	defaultRedemptionTimeout = 24 * time.Hour
	defaultRedemptionGrace   = time.Hour
	defaultFeeTolerance      = 5_000 // sats
	defaultVotingPeriod      = 48 * time.Hour
	defaultThreshold         = 2
)

var defaultAppDataDir = btcutil.AppDataDir("qcbridged", false)

// bridgeConf is the data required to assemble the daemon.
type bridgeConf struct {
	ChainParams *chaincfg.Params
	DataDir     string

	AdminAddr string
	Cert, Key string
	AdminPass string

	Admins     []string
	Attesters  []string
	Binders    []string
	Watchdogs  []string
	Custodians []string

	CurrentBits, PreviousBits uint32
	RequiredConfs             uint32
	RequireCoinbaseAnchor     bool

	MaxAttestationAge time.Duration
	StaleThreshold    time.Duration
	BindingTTL        time.Duration

	MinRedemption, MaxRedemption uint64
	RedemptionTimeout            time.Duration
	RedemptionGrace              time.Duration
	FeeTolerance                 uint64

	VotingPeriod     time.Duration
	DefaultThreshold uint32

	LogMaker *bridge.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Testnet bool `long:"testnet" description:"Use the Bitcoin test network (default mainnet)"`
	Simnet  bool `long:"simnet" description:"Use the Bitcoin simulation test network (default mainnet)"`

	AdminAddr string `long:"adminaddr" description:"host:port for the admin server to listen on"`
	Cert      string `long:"cert" description:"Admin server TLS certificate file"`
	Key       string `long:"key" description:"Admin server TLS private key file"`
	AdminPass string `long:"adminpass" description:"Admin server password. Prompted for if unset."`

	Admins     []string `long:"admin" description:"Actor granted the admin role. May be repeated."`
	Attesters  []string `long:"attester" description:"Actor granted the attester role. May be repeated."`
	Binders    []string `long:"binder" description:"Actor granted the wallet-binder role. May be repeated."`
	Watchdogs  []string `long:"watchdog" description:"Actor granted the watchdog role and added to the voter set. May be repeated."`
	Custodians []string `long:"custodianop" description:"Actor granted the custodian operator role. May be repeated."`

	CurrentBits           string `long:"currentbits" description:"Compact difficulty bits of the current Bitcoin retarget epoch, hex (e.g. 0x1703e8b2)."`
	PreviousBits          string `long:"previousbits" description:"Compact difficulty bits of the previous Bitcoin retarget epoch, hex. Defaults to currentbits."`
	RequiredConfs         uint32 `long:"requiredconfs" description:"Cumulative-work confirmation requirement for SPV proofs."`
	RequireCoinbaseAnchor bool   `long:"requirecoinbase" description:"Require coinbase anchoring of SPV proofs."`

	MaxAttestationAge time.Duration `long:"maxattestationage" description:"Maximum accepted age of a reserve attestation at submission."`
	StaleThreshold    time.Duration `long:"stalethreshold" description:"Age past which the latest attestation no longer supports minting."`
	BindingTTL        time.Duration `long:"bindingttl" description:"Lifetime of a wallet-binding request."`

	MinRedemption     uint64        `long:"minredemption" description:"Minimum redemption amount in satoshi."`
	MaxRedemption     uint64        `long:"maxredemption" description:"Maximum redemption amount in satoshi."`
	RedemptionTimeout time.Duration `long:"redemptiontimeout" description:"Time a custodian has to fulfill a redemption."`
	RedemptionGrace   time.Duration `long:"redemptiongrace" description:"Grace period for recording a fulfillment after the deadline."`
	FeeTolerance      uint64        `long:"feetolerance" description:"Accepted satoshi shortfall between redeemed amount and on-chain payment."`

	VotingPeriod     time.Duration `long:"votingperiod" description:"Watchdog proposal voting window."`
	DefaultThreshold uint32        `long:"threshold" description:"Default M for M-of-N watchdog consensus."`
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*bridge.LoggerMaker, error) {
	lm, err := bridge.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range subsystemLoggers {
		subsystemLoggers[subsysID] = lm.NewLogger(subsysID)
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	log = subsystemLoggers["MAIN"]
	return lm, nil
}

// parseBits parses a hex compact-bits string like 0x1703e8b2.
func parseBits(s string) (uint32, error) {
	bits, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid compact bits %q: %v", s, err)
	}
	return uint32(bits), nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*bridgeConf, error) {
	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:        defaultMaxLogZips,
		Cert:              defaultCertFilename,
		Key:               defaultKeyFilename,
		DebugLevel:        defaultLogLevel,
		AdminAddr:         defaultAdminAddr,
		RequiredConfs:     defaultRequiredConfs,
		MaxAttestationAge: defaultMaxAttestationAge,
		StaleThreshold:    defaultStaleThreshold,
		BindingTTL:        defaultBindingTTL,
		MinRedemption:     defaultMinRedemption,
		MaxRedemption:     defaultMaxRedemption,
		RedemptionTimeout: defaultRedemptionTimeout,
		RedemptionGrace:   defaultRedemptionGrace,
		FeeTolerance:      defaultFeeTolerance,
		VotingPeriod:      defaultVotingPeriod,
		DefaultThreshold:  defaultThreshold,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help
	// message error can be ignored here since they will be caught by the
	// final parse below.
	var preCfg flagsData
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			AppName, Version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(preCfg.AppDataDir)
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %v", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
		// Missing default config file is fine, continue with defaults.
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
			}
			return nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// Select the network.
	var numNets int
	chainParams := &chaincfg.MainNetParams
	if cfg.Testnet {
		numNets++
		chainParams = &chaincfg.TestNet3Params
	}
	if cfg.Simnet {
		numNets++
		chainParams = &chaincfg.SimNetParams
	}
	if numNets > 1 {
		return nil, fmt.Errorf("both testnet and simnet flags specified")
	}

	// Create the app data directory if it doesn't already exist.
	if err = os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %v", err)
	}

	// If datadir or logdir are defaults or non-default relative paths,
	// prepend the appdata directory. Both are namespaced by network.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, chainParams.Name)
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.LogDir = filepath.Join(cfg.LogDir, chainParams.Name)

	// Ensure that the TLS files are absolute paths, prepending the appdata
	// path if not.
	if !filepath.IsAbs(cfg.Cert) {
		cfg.Cert = filepath.Join(cfg.AppDataDir, cfg.Cert)
	}
	if !filepath.IsAbs(cfg.Key) {
		cfg.Key = filepath.Join(cfg.AppDataDir, cfg.Key)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)

	// The difficulty oracle cannot start without a current epoch.
	if cfg.CurrentBits == "" {
		return nil, fmt.Errorf("currentbits is required")
	}
	currentBits, err := parseBits(cfg.CurrentBits)
	if err != nil {
		return nil, err
	}
	previousBits := currentBits
	if cfg.PreviousBits != "" {
		if previousBits, err = parseBits(cfg.PreviousBits); err != nil {
			return nil, err
		}
	}

	if len(cfg.Admins) == 0 {
		return nil, fmt.Errorf("at least one admin actor is required")
	}

	return &bridgeConf{
		ChainParams:           chainParams,
		DataDir:               cfg.DataDir,
		AdminAddr:             cfg.AdminAddr,
		Cert:                  cfg.Cert,
		Key:                   cfg.Key,
		AdminPass:             cfg.AdminPass,
		Admins:                cfg.Admins,
		Attesters:             cfg.Attesters,
		Binders:               cfg.Binders,
		Watchdogs:             cfg.Watchdogs,
		Custodians:            cfg.Custodians,
		CurrentBits:           currentBits,
		PreviousBits:          previousBits,
		RequiredConfs:         cfg.RequiredConfs,
		RequireCoinbaseAnchor: cfg.RequireCoinbaseAnchor,
		MaxAttestationAge:     cfg.MaxAttestationAge,
		StaleThreshold:        cfg.StaleThreshold,
		BindingTTL:            cfg.BindingTTL,
		MinRedemption:         cfg.MinRedemption,
		MaxRedemption:         cfg.MaxRedemption,
		RedemptionTimeout:     cfg.RedemptionTimeout,
		RedemptionGrace:       cfg.RedemptionGrace,
		FeeTolerance:          cfg.FeeTolerance,
		VotingPeriod:          cfg.VotingPeriod,
		DefaultThreshold:      cfg.DefaultThreshold,
		LogMaker:              logMaker,
	}, nil
}
