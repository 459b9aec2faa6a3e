// ConfigManager: node configuration with defaults, overrides, validation,
// multi-source merging, and protocol upgrade schedule tracking.
package node

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigManager errors.
var (
	ErrCfgMgrEmpty         = errors.New("config_manager: empty value")
	ErrCfgMgrInvalidPort   = errors.New("config_manager: invalid port number")
	ErrCfgMgrInvalidRollup = errors.New("config_manager: invalid rollup identity")
	ErrCfgMgrInvalidSync   = errors.New("config_manager: invalid sync mode")
	ErrCfgMgrInvalidUpgr   = errors.New("config_manager: invalid upgrade schedule")
	ErrCfgMgrConflict      = errors.New("config_manager: conflicting settings")
	ErrCfgMgrNoJWT         = errors.New("config_manager: engine API requires JWT secret")
)

// ConfigSource identifies the origin of a configuration value.
type ConfigSource int

const (
	// SourceDefault indicates a built-in default value.
	SourceDefault ConfigSource = iota
	// SourceFile indicates a value loaded from a config file.
	SourceFile
	// SourceEnv indicates a value from an environment variable.
	SourceEnv
	// SourceCLI indicates a value from a command-line flag.
	SourceCLI
)

// String returns a human-readable name for the config source.
func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceFile:
		return "file"
	case SourceEnv:
		return "env"
	case SourceCLI:
		return "cli"
	default:
		return "unknown"
	}
}

// NetworkConfig holds rollup identity and L1 anchoring configuration.
type NetworkConfig struct {
	// RollupName identifies the rollup instance this node is part of;
	// mirrors RollupParams.RollupName and must agree with it.
	RollupName string

	// L1Network names the Bitcoin network this rollup anchors to:
	// "mainnet", "testnet", "signet", or "regtest".
	L1Network string

	// GenesisL1Hash is the hex-encoded L1 block hash the rollup's
	// horizon is anchored to.
	GenesisL1Hash string

	// UpgradeSchedule maps protocol upgrade names to the L2 block
	// height they activate at. Example: {"musig2_v2": 150000}.
	UpgradeSchedule map[string]uint64
}

// SyncConfig holds L1 follower synchronization configuration.
type SyncConfig struct {
	// Mode is the L1 sync strategy: "full", "checkpoint", or "pruned".
	Mode string

	// MaxPeers is the maximum number of Bitcoin peer connections.
	MaxPeers int

	// ConnectTimeout is the peer connection timeout in seconds.
	ConnectTimeout int

	// EnableDiscovery enables Bitcoin peer discovery via DNS seeds.
	EnableDiscovery bool
}

// ManagedRPCConfig holds JSON-RPC server configuration for the config manager.
type ManagedRPCConfig struct {
	// Enabled controls whether the RPC server is started.
	Enabled bool

	// Host is the bind address for the RPC server.
	Host string

	// Port is the TCP port for the RPC server.
	Port int

	// AllowedModules lists enabled RPC namespaces (e.g. "rollup", "admin", "net").
	AllowedModules []string

	// CORSOrigins lists allowed CORS origins.
	CORSOrigins []string

	// RateLimit is the max requests per second per client (0 = unlimited).
	RateLimit int
}

// EngineConfig holds execution-layer Engine API configuration.
type EngineConfig struct {
	// Enabled controls whether the Engine API client is wired.
	Enabled bool

	// Host is the engine endpoint's bind address, for display/logging.
	Host string

	// Port is the engine endpoint's TCP port, for display/logging.
	Port int

	// JWTSecret is the path of the file holding the JWT authentication secret.
	JWTSecret string

	// PayloadBuilderEnabled controls whether this node builds execution
	// payloads locally (sequencer role) rather than only validating them.
	PayloadBuilderEnabled bool
}

// ManagedConfig is the full configuration managed by ConfigManager.
type ManagedConfig struct {
	Network  NetworkConfig
	Sync     SyncConfig
	RPC      ManagedRPCConfig
	Engine   EngineConfig
	DataDir  string
	LogLevel string
}

// DefaultManagedConfig returns a ManagedConfig with sensible defaults.
func DefaultManagedConfig() *ManagedConfig {
	return &ManagedConfig{
		Network: NetworkConfig{
			RollupName:      "basin",
			L1Network:       "signet",
			GenesisL1Hash:   "",
			UpgradeSchedule: map[string]uint64{},
		},
		Sync: SyncConfig{
			Mode:            "checkpoint",
			MaxPeers:        16,
			ConnectTimeout:  30,
			EnableDiscovery: true,
		},
		RPC: ManagedRPCConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           7545,
			AllowedModules: []string{"rollup", "net"},
			CORSOrigins:    nil,
			RateLimit:      0,
		},
		Engine: EngineConfig{
			Enabled:               true,
			Host:                  "127.0.0.1",
			Port:                  8551,
			JWTSecret:             "",
			PayloadBuilderEnabled: false,
		},
		DataDir:  "",
		LogLevel: "info",
	}
}

// BuildManagedConfig bridges the flat Config a node is constructed from
// into the richer, source-tracked ManagedConfig shape, so cross-field and
// provenance-aware validation (ConfigValidator, ConfigManager) can run
// against it without duplicating the flat Config's own field layout.
func BuildManagedConfig(cfg Config) *ManagedConfig {
	mc := DefaultManagedConfig()
	mc.DataDir = cfg.DataDir
	mc.LogLevel = cfg.LogLevel
	mc.RPC.Host = cfg.RPCHost
	mc.RPC.Port = cfg.RPCPort
	mc.Engine.Enabled = cfg.EngineJWTSecretPath != ""
	mc.Engine.JWTSecret = cfg.EngineJWTSecretPath
	if cfg.Role == "sequencer" {
		mc.Engine.PayloadBuilderEnabled = true
	}
	return mc
}

// ConfigManager provides validated, multi-source configuration management.
type ConfigManager struct {
	base    *ManagedConfig
	sources map[string]ConfigSource // tracks where each field came from
}

// NewConfigManager creates a ConfigManager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		base:    DefaultManagedConfig(),
		sources: make(map[string]ConfigSource),
	}
}

// Config returns the current configuration.
func (cm *ConfigManager) Config() *ManagedConfig {
	return cm.base
}

// SetDataDir sets the data directory.
func (cm *ConfigManager) SetDataDir(dir string, source ConfigSource) {
	cm.base.DataDir = dir
	cm.sources["datadir"] = source
}

// SetLogLevel sets the log level.
func (cm *ConfigManager) SetLogLevel(level string, source ConfigSource) {
	cm.base.LogLevel = level
	cm.sources["loglevel"] = source
}

// SetNetworkConfig replaces the network configuration.
func (cm *ConfigManager) SetNetworkConfig(nc NetworkConfig, source ConfigSource) {
	cm.base.Network = nc
	cm.sources["network"] = source
}

// SetSyncConfig replaces the sync configuration.
func (cm *ConfigManager) SetSyncConfig(sc SyncConfig, source ConfigSource) {
	cm.base.Sync = sc
	cm.sources["sync"] = source
}

// SetRPCConfig replaces the RPC configuration.
func (cm *ConfigManager) SetRPCConfig(rc ManagedRPCConfig, source ConfigSource) {
	cm.base.RPC = rc
	cm.sources["rpc"] = source
}

// SetEngineConfig replaces the Engine API configuration.
func (cm *ConfigManager) SetEngineConfig(ec EngineConfig, source ConfigSource) {
	cm.base.Engine = ec
	cm.sources["engine"] = source
}

// Source returns the ConfigSource for a given field key.
func (cm *ConfigManager) Source(field string) ConfigSource {
	src, ok := cm.sources[field]
	if !ok {
		return SourceDefault
	}
	return src
}

// --- Validation ---

// ConfigValidator validates a ManagedConfig for correctness and consistency.
type ConfigValidator struct{}

// NewConfigValidator creates a new config validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// Validate checks the full configuration. Returns all errors found.
func (cv *ConfigValidator) Validate(cfg *ManagedConfig) []error {
	var errs []error

	errs = append(errs, cv.validateNetwork(cfg.Network)...)
	errs = append(errs, cv.validateSync(cfg.Sync)...)
	errs = append(errs, cv.validateRPC(cfg.RPC)...)
	errs = append(errs, cv.validateEngine(cfg.Engine)...)

	if cfg.LogLevel != "" {
		switch cfg.LogLevel {
		case "debug", "info", "warn", "error", "trace":
		default:
			errs = append(errs, fmt.Errorf("unknown log level %q", cfg.LogLevel))
		}
	}

	// Cross-field validation: checkpoint sync needs peer discovery to
	// find nodes serving recent checkpoints.
	if cfg.Sync.Mode == "checkpoint" && !cfg.Sync.EnableDiscovery {
		errs = append(errs, fmt.Errorf("%w: checkpoint sync requires discovery", ErrCfgMgrConflict))
	}

	// Engine API needs JWT secret.
	if cfg.Engine.Enabled && cfg.Engine.JWTSecret == "" {
		errs = append(errs, ErrCfgMgrNoJWT)
	}

	return errs
}

func (cv *ConfigValidator) validateNetwork(nc NetworkConfig) []error {
	var errs []error
	if nc.RollupName == "" {
		errs = append(errs, ErrCfgMgrInvalidRollup)
	}
	switch nc.L1Network {
	case "mainnet", "testnet", "signet", "regtest", "":
	default:
		errs = append(errs, fmt.Errorf("unknown l1 network %q", nc.L1Network))
	}

	// Validate upgrade schedule ordering if multiple upgrades are present.
	if len(nc.UpgradeSchedule) > 1 {
		if err := validateUpgradeOrder(nc.UpgradeSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (cv *ConfigValidator) validateSync(sc SyncConfig) []error {
	var errs []error
	switch sc.Mode {
	case "full", "checkpoint", "pruned":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrCfgMgrInvalidSync, sc.Mode))
	}
	if sc.MaxPeers < 0 {
		errs = append(errs, fmt.Errorf("max_peers must be >= 0"))
	}
	if sc.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be >= 0"))
	}
	return errs
}

func (cv *ConfigValidator) validateRPC(rc ManagedRPCConfig) []error {
	var errs []error
	if rc.Port < 0 || rc.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: rpc port %d", ErrCfgMgrInvalidPort, rc.Port))
	}
	if rc.Enabled && rc.Host == "" {
		errs = append(errs, fmt.Errorf("rpc host must not be empty when enabled"))
	}
	if rc.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rpc rate_limit must be >= 0"))
	}
	return errs
}

func (cv *ConfigValidator) validateEngine(ec EngineConfig) []error {
	var errs []error
	if ec.Port < 0 || ec.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: engine port %d", ErrCfgMgrInvalidPort, ec.Port))
	}
	if ec.Enabled && ec.Host == "" {
		errs = append(errs, fmt.Errorf("engine host must not be empty when enabled"))
	}
	return errs
}

// rollupUpgradeOrder lists known protocol upgrade names in activation
// order. Unlisted names are accepted but not ordering-checked.
var rollupUpgradeOrder = []string{
	"genesis", "withdrawal_batching", "musig2_v2", "proof_mode_timeout", "borsh_v2",
}

// validateUpgradeOrder checks that known upgrades are in ascending L2
// block-height order. Returns an error if any upgrade activates before a
// predecessor in rollupUpgradeOrder.
func validateUpgradeOrder(upgrades map[string]uint64) error {
	lastHeight := uint64(0)
	lastName := ""
	for _, name := range rollupUpgradeOrder {
		height, ok := upgrades[name]
		if !ok {
			continue
		}
		if height < lastHeight {
			return fmt.Errorf("%w: %s (height %d) before %s (height %d)",
				ErrCfgMgrInvalidUpgr, name, height, lastName, lastHeight)
		}
		lastHeight = height
		lastName = name
	}
	return nil
}

// --- Config Merging ---

// ConfigMerge merges multiple configuration sources with precedence.
// Later sources override earlier ones. Sources are applied in order:
// default < file < env < CLI.
func ConfigMerge(configs ...*ManagedConfig) *ManagedConfig {
	if len(configs) == 0 {
		return DefaultManagedConfig()
	}

	result := DefaultManagedConfig()
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		mergeManagedConfig(result, cfg)
	}
	return result
}

// mergeManagedConfig applies non-zero values from src onto dst.
func mergeManagedConfig(dst, src *ManagedConfig) {
	// Network
	if src.Network.RollupName != "" {
		dst.Network.RollupName = src.Network.RollupName
	}
	if src.Network.L1Network != "" {
		dst.Network.L1Network = src.Network.L1Network
	}
	if src.Network.GenesisL1Hash != "" {
		dst.Network.GenesisL1Hash = src.Network.GenesisL1Hash
	}
	if len(src.Network.UpgradeSchedule) > 0 {
		dst.Network.UpgradeSchedule = src.Network.UpgradeSchedule
	}

	// Sync
	if src.Sync.Mode != "" {
		dst.Sync.Mode = src.Sync.Mode
	}
	if src.Sync.MaxPeers != 0 {
		dst.Sync.MaxPeers = src.Sync.MaxPeers
	}
	if src.Sync.ConnectTimeout != 0 {
		dst.Sync.ConnectTimeout = src.Sync.ConnectTimeout
	}

	// RPC
	if src.RPC.Host != "" {
		dst.RPC.Host = src.RPC.Host
	}
	if src.RPC.Port != 0 {
		dst.RPC.Port = src.RPC.Port
	}
	if len(src.RPC.AllowedModules) > 0 {
		dst.RPC.AllowedModules = src.RPC.AllowedModules
	}
	if len(src.RPC.CORSOrigins) > 0 {
		dst.RPC.CORSOrigins = src.RPC.CORSOrigins
	}
	if src.RPC.RateLimit != 0 {
		dst.RPC.RateLimit = src.RPC.RateLimit
	}

	// Engine
	if src.Engine.Host != "" {
		dst.Engine.Host = src.Engine.Host
	}
	if src.Engine.Port != 0 {
		dst.Engine.Port = src.Engine.Port
	}
	if src.Engine.JWTSecret != "" {
		dst.Engine.JWTSecret = src.Engine.JWTSecret
	}

	// Top-level
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// --- Upgrade Schedule Helpers ---

// UpgradeSchedule provides helper methods for working with protocol
// upgrade activation heights.
type UpgradeSchedule struct {
	upgrades map[string]uint64
}

// NewUpgradeSchedule creates an upgrade schedule from a map of upgrade
// name to L2 activation height.
func NewUpgradeSchedule(upgrades map[string]uint64) *UpgradeSchedule {
	m := make(map[string]uint64, len(upgrades))
	for k, v := range upgrades {
		m[k] = v
	}
	return &UpgradeSchedule{upgrades: m}
}

// IsActive returns whether an upgrade is active at the given L2 block height.
func (us *UpgradeSchedule) IsActive(name string, height uint64) bool {
	activation, ok := us.upgrades[name]
	if !ok {
		return false
	}
	return height >= activation
}

// ActivationHeight returns the activation height for an upgrade, or 0 and
// false if the upgrade is not in the schedule.
func (us *UpgradeSchedule) ActivationHeight(name string) (uint64, bool) {
	h, ok := us.upgrades[name]
	return h, ok
}

// ActiveUpgrades returns all upgrade names active at the given height.
func (us *UpgradeSchedule) ActiveUpgrades(height uint64) []string {
	var active []string
	for name, activation := range us.upgrades {
		if height >= activation {
			active = append(active, name)
		}
	}
	return active
}

// Count returns the total number of upgrades in the schedule.
func (us *UpgradeSchedule) Count() int {
	return len(us.upgrades)
}

// FormatUpgradeSchedule returns a human-readable string of the upgrade schedule.
func FormatUpgradeSchedule(upgrades map[string]uint64) string {
	if len(upgrades) == 0 {
		return "(empty)"
	}
	parts := make([]string, 0, len(upgrades))
	for name, height := range upgrades {
		parts = append(parts, fmt.Sprintf("%s@%d", name, height))
	}
	return strings.Join(parts, ", ")
}
