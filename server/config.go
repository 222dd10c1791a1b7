// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"

	"github.com/spacemeshos/nameserver/logging"
	"github.com/spacemeshos/nameserver/registration"
	"github.com/spacemeshos/nameserver/registry"
)

const (
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultDbFilename     = "nameserver.db"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultPort           = 8080
)

// Config defines the configuration options for the nameserver.
//
// Values are resolved in this order: defaults, command line (to locate the
// config file), INI config file, environment, command line again.
type Config struct {
	NameserverDir   string  `long:"dir"            description:"The base directory that contains the nameserver's data, logs, configuration file, etc."`
	ConfigFile      string  `long:"configfile"     description:"Path to configuration file"                                       short:"c"`
	DataDir         string  `long:"datadir"        description:"The directory to store the default registry within"              short:"b"`
	LogDir          string  `long:"logdir"         description:"Directory to log output."`
	DebugLog        bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog         bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles     int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize  int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	ConnectString   string  `long:"connect"        description:"Registry store: sqlite://<file> or leveldb://<dir> (default: sqlite database in datadir)" env:"NAMESERVER_CONNECT_STRING"`
	Port            uint16  `long:"port"           description:"The port to listen for REST connections on"                       env:"PORT"`
	MigrateFrom     string  `long:"migrate-from"   description:"Copy the nodes of this registry into the one given by --connect on startup and remove it"`
	RawRESTListener string  `long:"restlisten"     description:"The interface/port to listen for REST connections (overrides port)" short:"w"`
	MetricsPort     *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	Registration registration.Config `group:"Registration"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	nameserverDir := "./nameserver"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		nameserverDir = filepath.Join(cacheDir, "nameserver")
	}

	return &Config{
		NameserverDir:  nameserverDir,
		DataDir:        filepath.Join(nameserverDir, defaultDataDirname),
		LogDir:         filepath.Join(nameserverDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Port:           defaultPort,
		Registration:   registration.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	return ParseArgs(preCfg, os.Args[1:])
}

// ParseArgs reads values from the given arguments and the environment.
func ParseArgs(preCfg *Config, args []string) (*Config, error) {
	if _, err := flags.NewParser(preCfg, flags.Default).ParseArgs(args); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths, fills in derived defaults and initializes
// the filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided base directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.NameserverDir != defaultCfg.NameserverDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.NameserverDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.NameserverDir, defaultLogDirname)
		}
	}

	if err := os.MkdirAll(cfg.NameserverDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.NameserverDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if cfg.ConnectString == "" {
		cfg.ConnectString = registry.SchemeSQLite + "://" + filepath.Join(cfg.DataDir, defaultDbFilename)
	}
	if cfg.RawRESTListener == "" {
		cfg.RawRESTListener = net.JoinHostPort("0.0.0.0", strconv.Itoa(int(cfg.Port)))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if _, _, err := registry.ParseConnect(c.ConnectString); err != nil {
		result = multierror.Append(result, err)
	}
	if c.MigrateFrom != "" {
		if _, _, err := registry.ParseConnect(c.MigrateFrom); err != nil {
			result = multierror.Append(result, fmt.Errorf("migration source: %w", err))
		}
	}
	if _, _, err := net.SplitHostPort(c.RawRESTListener); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid REST listener %q: %w", c.RawRESTListener, err))
	}
	if c.Registration.CacheSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("cache size must be positive, got %d", c.Registration.CacheSize))
	}
	if c.MaxLogFiles < 0 || c.MaxLogFileSize < 0 {
		result = multierror.Append(result, fmt.Errorf("log rotation limits must not be negative"))
	}
	return result.ErrorOrNil()
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
