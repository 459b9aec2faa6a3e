package node

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NodeConfig holds the full configuration for a rollup node, parsed from a
// TOML-like configuration file. It is separate from Config to support
// richer structured configuration with nested sections.
type NodeConfig struct {
	DataDir          string
	RollupParamsPath string
	Role             string // "full", "sequencer", "bridge-operator"

	Bitcoin BitcoinConfig
	Engine  EngineRPCConfig
	RPC     RPCConfig
	Bridge  BridgeConfig
	Log     LogConfig
}

// BitcoinConfig holds the Bitcoin Core RPC connection this node's L1
// reader and broadcaster poll.
type BitcoinConfig struct {
	RPCHost string
	RPCPort int
	RPCUser string
	RPCPass string
}

// EngineRPCConfig holds the execution engine's Engine API endpoint.
type EngineRPCConfig struct {
	Endpoint      string
	JWTSecretPath string
}

// RPCConfig holds JSON-RPC server configuration.
type RPCConfig struct {
	Enabled bool
	Host    string
	Port    int
	APIs    []string
}

// BridgeConfig holds bridge-operator configuration: which operator slot
// this node signs as, where its wallet key lives, and where it polls for
// signing duties.
type BridgeConfig struct {
	Enabled        bool
	OperatorIdx    uint32
	KeystorePath   string
	DutySourceURL  string
	GossipRelayURL string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// DefaultNodeConfig returns a NodeConfig with sensible defaults.
// defaultDataDir is shared with Config; see config.go.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		DataDir:          defaultDataDir(),
		RollupParamsPath: "",
		Role:             "full",
		Bitcoin: BitcoinConfig{
			RPCHost: "127.0.0.1",
			RPCPort: 8332,
		},
		Engine: EngineRPCConfig{
			Endpoint: "http://127.0.0.1:8551",
		},
		RPC: RPCConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8545,
			APIs:    []string{"rollup", "net"},
		},
		Bridge: BridgeConfig{
			Enabled:       false,
			DutySourceURL: "http://127.0.0.1:8546",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ValidateNodeConfig checks the configuration for correctness.
func (nc *NodeConfig) ValidateNodeConfig() error {
	if nc.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	switch nc.Role {
	case "full", "sequencer", "bridge-operator":
	default:
		return fmt.Errorf("config: unknown role %q", nc.Role)
	}

	if nc.Bitcoin.RPCPort < 0 || nc.Bitcoin.RPCPort > 65535 {
		return fmt.Errorf("config: invalid bitcoin rpc port: %d", nc.Bitcoin.RPCPort)
	}
	if nc.Bitcoin.RPCHost == "" {
		return errors.New("config: bitcoin rpc host must not be empty")
	}

	if nc.Engine.Endpoint == "" {
		return errors.New("config: engine endpoint must not be empty")
	}

	if nc.RPC.Port < 0 || nc.RPC.Port > 65535 {
		return fmt.Errorf("config: invalid rpc port: %d", nc.RPC.Port)
	}
	if nc.RPC.Enabled && nc.RPC.Host == "" {
		return errors.New("config: rpc host must not be empty when rpc is enabled")
	}

	if nc.Bridge.Enabled && nc.Bridge.KeystorePath == "" {
		return errors.New("config: keystore_path must be set when bridge is enabled")
	}

	switch nc.Log.Level {
	case "debug", "info", "warn", "error", "trace":
	default:
		return fmt.Errorf("config: unknown log level %q", nc.Log.Level)
	}
	switch nc.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", nc.Log.Format)
	}

	return nil
}

// LoadConfig parses a TOML-like configuration from raw bytes into a NodeConfig.
// The parser handles key = value pairs and [section] headers. It supports
// string values (quoted or unquoted), integers, booleans, and arrays.
func LoadConfig(data []byte) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	section := ""

	lines := strings.Split(string(data), "\n")
	for lineNum, raw := range lines {
		line := strings.TrimSpace(raw)

		// Skip empty lines and comments.
		if line == "" || line[0] == '#' {
			continue
		}

		// Section header.
		if line[0] == '[' {
			end := strings.Index(line, "]")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unclosed section header", lineNum+1)
			}
			section = strings.TrimSpace(line[1:end])
			continue
		}

		// Key = value pair.
		eqIdx := strings.Index(line, "=")
		if eqIdx < 0 {
			return nil, fmt.Errorf("line %d: expected key = value", lineNum+1)
		}
		key := strings.TrimSpace(line[:eqIdx])
		val := strings.TrimSpace(line[eqIdx+1:])

		if err := applyConfigValue(cfg, section, key, val, lineNum+1); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applyConfigValue sets a single configuration field based on section, key, value.
func applyConfigValue(cfg *NodeConfig, section, key, val string, lineNum int) error {
	switch section {
	case "":
		return applyTopLevel(cfg, key, val, lineNum)
	case "bitcoin":
		return applyBitcoin(cfg, key, val, lineNum)
	case "engine":
		return applyEngine(cfg, key, val, lineNum)
	case "rpc":
		return applyRPC(cfg, key, val, lineNum)
	case "bridge":
		return applyBridge(cfg, key, val, lineNum)
	case "log":
		return applyLog(cfg, key, val, lineNum)
	default:
		return fmt.Errorf("line %d: unknown section [%s]", lineNum, section)
	}
}

func applyTopLevel(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "datadir":
		cfg.DataDir = unquote(val)
	case "rollup_params_path":
		cfg.RollupParamsPath = unquote(val)
	case "role":
		cfg.Role = unquote(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in top-level", lineNum, key)
	}
	return nil
}

func applyBitcoin(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "rpc_host":
		cfg.Bitcoin.RPCHost = unquote(val)
	case "rpc_port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("line %d: invalid bitcoin rpc_port: %w", lineNum, err)
		}
		cfg.Bitcoin.RPCPort = n
	case "rpc_user":
		cfg.Bitcoin.RPCUser = unquote(val)
	case "rpc_pass":
		cfg.Bitcoin.RPCPass = unquote(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in [bitcoin]", lineNum, key)
	}
	return nil
}

func applyEngine(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "endpoint":
		cfg.Engine.Endpoint = unquote(val)
	case "jwt_secret_path":
		cfg.Engine.JWTSecretPath = unquote(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in [engine]", lineNum, key)
	}
	return nil
}

func applyRPC(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("line %d: invalid rpc enabled: %w", lineNum, err)
		}
		cfg.RPC.Enabled = b
	case "host":
		cfg.RPC.Host = unquote(val)
	case "port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("line %d: invalid rpc port: %w", lineNum, err)
		}
		cfg.RPC.Port = n
	case "apis":
		cfg.RPC.APIs = parseStringArray(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in [rpc]", lineNum, key)
	}
	return nil
}

func applyBridge(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("line %d: invalid bridge enabled: %w", lineNum, err)
		}
		cfg.Bridge.Enabled = b
	case "operator_idx":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("line %d: invalid operator_idx: %w", lineNum, err)
		}
		cfg.Bridge.OperatorIdx = uint32(n)
	case "keystore_path":
		cfg.Bridge.KeystorePath = unquote(val)
	case "duty_source_url":
		cfg.Bridge.DutySourceURL = unquote(val)
	case "gossip_relay_url":
		cfg.Bridge.GossipRelayURL = unquote(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in [bridge]", lineNum, key)
	}
	return nil
}

func applyLog(cfg *NodeConfig, key, val string, lineNum int) error {
	switch key {
	case "level":
		cfg.Log.Level = unquote(val)
	case "format":
		cfg.Log.Format = unquote(val)
	default:
		return fmt.Errorf("line %d: unknown key %q in [log]", lineNum, key)
	}
	return nil
}

// unquote strips surrounding double quotes from a string value.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseStringArray parses a TOML-like array: ["a", "b", "c"].
func parseStringArray(s string) []string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		// Single value without brackets.
		v := unquote(strings.TrimSpace(s))
		if v == "" {
			return nil
		}
		return []string{v}
	}

	inner := s[1 : len(s)-1]
	if strings.TrimSpace(inner) == "" {
		return nil
	}

	parts := strings.Split(inner, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		v := unquote(strings.TrimSpace(p))
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}

// MergeNodeConfig merges an override config onto a base config.
// Non-zero/non-empty values from override take priority over base.
func MergeNodeConfig(base, override *NodeConfig) *NodeConfig {
	result := *base

	if override.DataDir != "" {
		result.DataDir = override.DataDir
	}
	if override.RollupParamsPath != "" {
		result.RollupParamsPath = override.RollupParamsPath
	}
	if override.Role != "" {
		result.Role = override.Role
	}

	if override.Bitcoin.RPCHost != "" {
		result.Bitcoin.RPCHost = override.Bitcoin.RPCHost
	}
	if override.Bitcoin.RPCPort != 0 {
		result.Bitcoin.RPCPort = override.Bitcoin.RPCPort
	}
	if override.Bitcoin.RPCUser != "" {
		result.Bitcoin.RPCUser = override.Bitcoin.RPCUser
	}
	if override.Bitcoin.RPCPass != "" {
		result.Bitcoin.RPCPass = override.Bitcoin.RPCPass
	}

	if override.Engine.Endpoint != "" {
		result.Engine.Endpoint = override.Engine.Endpoint
	}
	if override.Engine.JWTSecretPath != "" {
		result.Engine.JWTSecretPath = override.Engine.JWTSecretPath
	}

	if override.RPC.Host != "" {
		result.RPC.Host = override.RPC.Host
	}
	if override.RPC.Port != 0 {
		result.RPC.Port = override.RPC.Port
	}
	if len(override.RPC.APIs) > 0 {
		result.RPC.APIs = override.RPC.APIs
	}

	if override.Bridge.OperatorIdx != 0 {
		result.Bridge.OperatorIdx = override.Bridge.OperatorIdx
	}
	if override.Bridge.KeystorePath != "" {
		result.Bridge.KeystorePath = override.Bridge.KeystorePath
	}
	if override.Bridge.DutySourceURL != "" {
		result.Bridge.DutySourceURL = override.Bridge.DutySourceURL
	}
	if override.Bridge.GossipRelayURL != "" {
		result.Bridge.GossipRelayURL = override.Bridge.GossipRelayURL
	}

	if override.Log.Level != "" {
		result.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		result.Log.Format = override.Log.Format
	}

	return &result
}
