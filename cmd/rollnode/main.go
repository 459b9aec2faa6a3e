// Command rollnode is the entry point for the rollup node: it can run as a
// full node, a sequencer, or a bridge operator depending on --role, wiring
// together the CSM, L1 reader/broadcaster, checkpoint lifecycle, and
// (role-dependent) the block assembler or the bridge duty executor.
//
// Usage:
//
//	rollnode run --config rollnode.toml
//	rollnode run --datadir ~/.basin --role sequencer --rollup-params params.json
//	rollnode keygen --keystore ~/.basin/keystore --operator-idx 2
//	rollnode relay --listen :9800
//	rollnode --version
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli/v2"

	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/gossip"
	"github.com/basinrollup/basin/log"
	"github.com/basinrollup/basin/node"
	"github.com/basinrollup/basin/primitives"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rollnode: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "rollnode",
		Usage:   "Bitcoin-anchored rollup node: full node, sequencer, or bridge operator",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Commands: []*cli.Command{
			runCommand(),
			keygenCommand(),
			relayCommand(),
		},
	}
}

func runCommand() *cli.Command {
	cfg := node.DefaultConfig()
	var configPath string

	return &cli.Command{
		Name:  "run",
		Usage: "start the node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML-like config file (overrides individual flags below)", Destination: &configPath},
			&cli.StringFlag{Name: "datadir", Value: cfg.DataDir, Usage: "data directory path", Destination: &cfg.DataDir},
			&cli.StringFlag{Name: "name", Value: cfg.Name, Usage: "human-readable node name", Destination: &cfg.Name},
			&cli.StringFlag{Name: "role", Value: cfg.Role, Usage: "full, sequencer, or bridge-operator", Destination: &cfg.Role},
			&cli.StringFlag{Name: "rollup-params", Usage: "path to the rollup params file", Destination: &cfg.RollupParamsPath},
			&cli.StringFlag{Name: "bitcoin.rpchost", Value: cfg.BitcoinRPCHost, Destination: &cfg.BitcoinRPCHost},
			&cli.IntFlag{Name: "bitcoin.rpcport", Value: cfg.BitcoinRPCPort, Destination: &cfg.BitcoinRPCPort},
			&cli.StringFlag{Name: "bitcoin.rpcuser", Destination: &cfg.BitcoinRPCUser},
			&cli.StringFlag{Name: "bitcoin.rpcpass", Destination: &cfg.BitcoinRPCPass},
			&cli.StringFlag{Name: "engine.endpoint", Value: cfg.EngineEndpoint, Destination: &cfg.EngineEndpoint},
			&cli.StringFlag{Name: "engine.jwtsecret", Destination: &cfg.EngineJWTSecretPath},
			&cli.StringFlag{Name: "rpc.host", Value: cfg.RPCHost, Destination: &cfg.RPCHost},
			&cli.IntFlag{Name: "rpc.port", Value: cfg.RPCPort, Destination: &cfg.RPCPort},
			&cli.Uint64Flag{Name: "bridge.operatoridx", Usage: "operator index, required for role bridge-operator"},
			&cli.StringFlag{Name: "bridge.keystore", Destination: &cfg.BridgeKeystorePath},
			&cli.StringFlag{Name: "bridge.dutysource", Destination: &cfg.BridgeDutySourceURL},
			&cli.StringFlag{Name: "bridge.gossiprelay", Usage: "ws:// URL of a shared gossip.WSRelayServer; omit to gossip in-process", Destination: &cfg.BridgeGossipRelayURL},
			&cli.IntFlag{Name: "verbosity", Value: cfg.Verbosity, Usage: "log level 0-5 (0=silent, 5=trace)", Destination: &cfg.Verbosity},
			&cli.BoolFlag{Name: "metrics", Destination: &cfg.Metrics},
		},
		Action: func(c *cli.Context) error {
			cfg.BridgeOperatorIdx = uint32(c.Uint64("bridge.operatoridx"))
			cfg.LogLevel = node.VerbosityToLogLevel(cfg.Verbosity)

			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("reading config file: %w", err)
				}
				nc, err := node.LoadConfig(raw)
				if err != nil {
					return fmt.Errorf("parsing config file: %w", err)
				}
				cfg = *nc.ToConfig()
			}

			return runNode(cfg)
		},
	}
}

func keygenCommand() *cli.Command {
	var keystoreDir string
	var operatorIdx uint64

	return &cli.Command{
		Name:  "keygen",
		Usage: "generate an operator signing + wallet keypair into a keystore directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "keystore", Required: true, Destination: &keystoreDir},
			&cli.Uint64Flag{Name: "operator-idx", Required: true, Destination: &operatorIdx},
		},
		Action: func(c *cli.Context) error {
			ks := crypto.NewKeystore(crypto.KeystoreConfig{KeyDir: keystoreDir})
			idx := primitives.OperatorIdx(operatorIdx)
			for _, purpose := range []crypto.KeyPurpose{crypto.PurposeSigning, crypto.PurposeWallet} {
				priv, err := btcec.NewPrivateKey()
				if err != nil {
					return fmt.Errorf("generating %s key: %w", purpose, err)
				}
				if _, err := ks.StoreKey(idx, purpose, priv.Serialize(), ""); err != nil {
					return fmt.Errorf("storing %s key: %w", purpose, err)
				}
			}
			fmt.Printf("generated operator %d keypair in %s\n", idx, keystoreDir)
			return nil
		},
	}
}

// relayCommand starts a standalone gossip.WSRelayServer: the shared relay
// process multiple bridge operators dial into when they run as separate
// processes (see Config.BridgeGossipRelayURL).
func relayCommand() *cli.Command {
	var listen, path string

	return &cli.Command{
		Name:  "relay",
		Usage: "run a standalone bridge gossip relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":9800", Destination: &listen},
			&cli.StringFlag{Name: "path", Value: "/gossip", Destination: &path},
		},
		Action: func(c *cli.Context) error {
			log.SetDefault(log.New(slog.LevelInfo))
			alog := log.Default().Module("cmd")

			relay := gossip.NewWSRelayServer()
			mux := http.NewServeMux()
			mux.Handle(path, relay)

			srv := &http.Server{Addr: listen, Handler: mux}
			alog.Info("starting gossip relay", "listen", listen, "path", path)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("relay server exited: %w", err)
			}
			return nil
		},
	}
}

// runNode builds, starts, and runs a node.Node to completion, blocking on
// SIGINT/SIGTERM before driving a graceful shutdown. Extracted from the
// cli.Command Action so it can be exercised in process-lifecycle tests
// without going through flag parsing.
func runNode(cfg node.Config) error {
	// Human-first console lines on a terminal, JSON everywhere else.
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.SetDefault(log.NewConsole(os.Stderr, levelFromString(cfg.LogLevel)))
	} else {
		log.SetDefault(log.New(levelFromString(cfg.LogLevel)))
	}
	alog := log.Default().Module("cmd")

	alog.Info("starting rollnode", "version", version, "role", cfg.Role, "datadir", cfg.DataDir)

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	alog.Info("received shutdown signal", "signal", sig.String())

	if err := n.Stop(); err != nil {
		return fmt.Errorf("stopping node: %w", err)
	}
	alog.Info("shutdown complete")
	return nil
}

// levelFromString maps the node's string log levels to slog levels.
func levelFromString(s string) slog.Level {
	switch s {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
