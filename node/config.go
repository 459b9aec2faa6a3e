// Package node implements the rollup full node lifecycle, wiring together
// the pebble-backed store, the CSM worker, the L1 reader/broadcaster, the
// execution engine client, and (for sequencer/bridge-operator roles) the
// block assembler and bridge duty executor.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all configuration for a rollup node. It is the flat,
// directly-constructible counterpart to NodeConfig (which is parsed from a
// config file); cmd/rollnode builds one of these straight from CLI flags.
type Config struct {
	// DataDir is the root directory for all data storage.
	DataDir string

	// Name is a human-readable node identifier (used in logs).
	Name string

	// Role selects which duties this node performs: "full" (follow L1,
	// replay the CSM, serve RPC), "sequencer" (also assembles and signs
	// L2 blocks and checkpoints), or "bridge-operator" (also runs the
	// MuSig2 bridge duty executor).
	Role string

	// RollupParamsPath points at the rollup's params file.
	RollupParamsPath string

	// BitcoinRPCHost/Port/User/Pass address the Bitcoin Core RPC this
	// node's L1 reader and broadcaster poll.
	BitcoinRPCHost string
	BitcoinRPCPort int
	BitcoinRPCUser string
	BitcoinRPCPass string

	// EngineEndpoint is the execution engine's Engine API endpoint.
	EngineEndpoint string
	// EngineJWTSecretPath points at the shared secret used to
	// authenticate Engine API calls.
	EngineJWTSecretPath string

	// RPCHost/RPCPort address this node's own JSON-RPC server.
	RPCHost string
	RPCPort int

	// BridgeEnabled, BridgeOperatorIdx, and BridgeKeystorePath configure
	// this node's participation in the MuSig2 bridge signing ceremony.
	// Only meaningful when Role == "bridge-operator".
	BridgeEnabled       bool
	BridgeOperatorIdx   uint32
	BridgeKeystorePath  string
	BridgeDutySourceURL string

	// BridgeGossipRelayURL, when set, points this node's bridge duty
	// executor at a shared gossip.WSRelayServer ("ws://host:port/path")
	// instead of the default single-process gossip.InMemoryTransport.
	// Required whenever bridge operators run in separate processes.
	BridgeGossipRelayURL string

	// LogLevel controls log verbosity (debug, info, warn, error, trace).
	LogLevel string

	// Verbosity controls numeric log level (0=silent, 1=error, 2=warn,
	// 3=info, 4=debug, 5=trace). When set, overrides LogLevel.
	Verbosity int

	// Metrics is set by the --metrics flag. Nothing reads it: /metrics is
	// served whenever the RPC server runs, whatever its value.
	Metrics bool
}

// defaultDataDir returns the platform-specific default data directory.
// Falls back to ".basin" in the current directory if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".basin"
	}
	return filepath.Join(home, ".basin")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir(),
		Name:           "basin",
		Role:           "full",
		BitcoinRPCHost: "127.0.0.1",
		BitcoinRPCPort: 8332,
		EngineEndpoint: "http://127.0.0.1:8551",
		RPCHost:        "127.0.0.1",
		RPCPort:        8545,
		LogLevel:       "info",
		Verbosity:      3,
		Metrics:        false,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	switch c.Role {
	case "full", "sequencer", "bridge-operator":
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	if c.BitcoinRPCPort < 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("config: invalid bitcoin rpc port: %d", c.BitcoinRPCPort)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("config: invalid rpc port: %d", c.RPCPort)
	}
	if c.EngineEndpoint == "" {
		return errors.New("config: engine endpoint must not be empty")
	}
	if c.Role == "bridge-operator" && c.BridgeKeystorePath == "" {
		return errors.New("config: bridge_keystore_path must be set for role bridge-operator")
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		return fmt.Errorf("config: verbosity must be 0-5, got %d", c.Verbosity)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "trace":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// VerbosityToLogLevel converts a numeric verbosity level to a log level string.
func VerbosityToLogLevel(v int) string {
	switch {
	case v <= 0:
		return "error" // silent maps to error-only
	case v == 1:
		return "error"
	case v == 2:
		return "warn"
	case v == 3:
		return "info"
	default:
		return "debug" // 4 and 5 both map to debug
	}
}

// dataDirSubdirs lists subdirectories created inside the data directory.
var dataDirSubdirs = []string{
	"rollupdb",
	"keystore",
}

// InitDataDir creates the data directory and its standard subdirectories
// if they do not already exist. Returns an error if directory creation fails.
func (c *Config) InitDataDir() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}

	// Create the root data directory.
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("config: create datadir: %w", err)
	}

	// Create standard subdirectories.
	for _, sub := range dataDirSubdirs {
		dir := filepath.Join(c.DataDir, sub)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create %s: %w", sub, err)
		}
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// StoreDBPath returns the path to this node's pebble database.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.DataDir, "rollupdb")
}

// BitcoinRPCAddr returns the host:port address of the configured Bitcoin
// Core RPC endpoint.
func (c *Config) BitcoinRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.BitcoinRPCHost, c.BitcoinRPCPort)
}

// RPCAddr returns this node's own JSON-RPC listen address string.
func (c *Config) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCHost, c.RPCPort)
}

// ToConfig flattens a file-parsed NodeConfig into the Config shape that
// New consumes.
func (nc *NodeConfig) ToConfig() *Config {
	return &Config{
		DataDir:              nc.DataDir,
		Name:                 "basin",
		Role:                 nc.Role,
		RollupParamsPath:     nc.RollupParamsPath,
		BitcoinRPCHost:       nc.Bitcoin.RPCHost,
		BitcoinRPCPort:       nc.Bitcoin.RPCPort,
		BitcoinRPCUser:       nc.Bitcoin.RPCUser,
		BitcoinRPCPass:       nc.Bitcoin.RPCPass,
		EngineEndpoint:       nc.Engine.Endpoint,
		EngineJWTSecretPath:  nc.Engine.JWTSecretPath,
		RPCHost:              nc.RPC.Host,
		RPCPort:              nc.RPC.Port,
		BridgeEnabled:        nc.Bridge.Enabled,
		BridgeOperatorIdx:    nc.Bridge.OperatorIdx,
		BridgeKeystorePath:   nc.Bridge.KeystorePath,
		BridgeDutySourceURL:  nc.Bridge.DutySourceURL,
		BridgeGossipRelayURL: nc.Bridge.GossipRelayURL,
		LogLevel:             nc.Log.Level,
		Verbosity:            3,
	}
}
