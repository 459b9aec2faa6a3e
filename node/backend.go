package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/basinrollup/basin/bridge"
	"github.com/basinrollup/basin/btcio"
	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/checkpoint"
	"github.com/basinrollup/basin/crypto"
	"github.com/basinrollup/basin/csm"
	"github.com/basinrollup/basin/engine"
	"github.com/basinrollup/basin/forkchoice"
	"github.com/basinrollup/basin/gossip"
	"github.com/basinrollup/basin/l1reader"
	"github.com/basinrollup/basin/metrics"
	"github.com/basinrollup/basin/params"
	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/sequencer"
	"github.com/basinrollup/basin/store"
	"github.com/basinrollup/basin/tasks"
)

// Node wires every rollup subsystem into one runnable process: the
// pebble-backed store, the CSM worker, the L1 reader/broadcaster, the
// checkpoint lifecycle, the execution engine client, this node's own
// JSON-RPC surface, and — depending on Config.Role — the sequencer's block
// assembler or the bridge operator's MuSig2 duty executor.
type Node struct {
	cfg      Config
	rollup   *params.RollupParams
	db       *store.DB
	shutdown *tasks.ShutdownSignal
	tm       *tasks.Manager
	bus      *EventBus
	health   *HealthChecker

	btc          *btcio.RPCClient
	engineClient engine.Client

	events      *store.EventLog
	states      *store.ClientStateStore
	manifests   *store.ManifestStore
	ckptStore   *checkpoint.Store
	l1txs       *store.L1TxEntryStore
	chainstates *store.ChainstateStore
	l2blocks    *store.L2BlockStore
	sigCache    *crypto.SigLRUCache

	genesis  *genesisLocker
	notifier *updateNotifier
	services *ServiceRegistry
	fc       *forkchoice.Manager
	worker   *csm.Worker
	filter   *l1reader.TxFilterConfig
	follower *l1reader.Follower
	verifier *checkpoint.Verifier
	broadcast *btcio.BroadcastLoop

	rpc     *RPCHandler
	httpSrv *http.Server

	// bridge-operator role only.
	keystore   *crypto.Keystore
	bridgeDB   *bridge.DBStore
	sigMgr     *bridge.SignatureManager
	dutyExec   *bridge.DutyExecutor
	gossipConn *gossip.WSRelayClient

	// sequencer role only.
	assembler  *sequencer.BlockAssembler
	dutyWorker *sequencer.DutyWorker
	gasLedger  *sequencer.InMemoryGasLedger
	envHandle  *btcio.EnvelopeHandle
	seqPriv    *btcec.PrivateKey
}

// New constructs a Node from cfg: opens storage, loads rollup params,
// dials the Bitcoin and engine RPC endpoints, and wires every subsystem's
// storage and collaborator interfaces together. It does not start any
// background work; call Start for that.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if errs := NewConfigValidator().Validate(BuildManagedConfig(cfg)); len(errs) != 0 {
		return nil, fmt.Errorf("node: config validation: %w", errs[0])
	}
	if err := cfg.InitDataDir(); err != nil {
		return nil, err
	}

	rollupParams, err := params.LoadFile(cfg.RollupParamsPath)
	if err != nil {
		return nil, fmt.Errorf("node: loading rollup params: %w", err)
	}
	if err := rollupParams.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid rollup params: %w", err)
	}

	db, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		rollup:   rollupParams,
		db:       db,
		shutdown: tasks.NewShutdownSignal(),
		bus:      NewEventBus(256),
		health:   NewHealthChecker(),
		sigCache: crypto.NewSigLRUCache(4096),
	}
	n.tm = tasks.NewManager(alog, n.shutdown, 16)
	n.services = NewServiceRegistry(n.tm, n.shutdown)

	n.btc = btcio.NewRPCClient(cfg.BitcoinRPCAddr(), cfg.BitcoinRPCUser, cfg.BitcoinRPCPass)
	if cfg.EngineJWTSecretPath != "" {
		secret, err := loadJWTSecret(cfg.EngineJWTSecretPath)
		if err != nil {
			return nil, err
		}
		n.engineClient = engine.NewHTTPClient(cfg.EngineEndpoint, secret)
	} else {
		n.engineClient = engine.NewRefClient()
	}

	n.events = store.NewEventLog(db)
	n.states = store.NewClientStateStore(db)
	n.manifests = store.NewManifestStore(db, store.NewCache(32<<20))
	n.ckptStore = checkpoint.NewStore(db)
	n.l1txs = store.NewL1TxEntryStore(db)
	n.chainstates = store.NewChainstateStore(db)
	n.l2blocks = store.NewL2BlockStore(db)

	n.genesis = newGenesisLocker(db)
	n.notifier = newUpdateNotifier(n.bus)

	// Seed fork choice at the persisted tip so a restarted node keeps
	// extending its own chain; pre-genesis this is the zero commitment.
	var seed primitives.L2BlockCommitment
	if _, cs, err := n.states.GetMostRecentState(); err == nil && cs != nil {
		seed = cs.TipL2
	}
	n.fc = forkchoice.NewManager(seed, n.engineClient)

	n.worker, err = csm.NewWorker(rollupParams, n.events, n.states, n.ckptStore, n.fc, n.genesis, n.notifier)
	if err != nil {
		return nil, fmt.Errorf("node: constructing CSM worker: %w", err)
	}

	n.filter = baseTxFilterConfig(rollupParams)
	n.follower = l1reader.NewFollower(n.btc, n.manifests, n.events, newEpochOracle(n.notifier), n.filter, rollupParams.GenesisL1Height)
	n.follower.SetCheckpointParser(checkpoint.SummaryParser{})
	if vk, err := loadVerifyingKey(rollupParams); err == nil && vk != nil {
		n.verifier = checkpoint.NewVerifier(n.sigCache, rollupParams, vk)
		n.follower.SetCheckpointVerifier(n.verifier)
	}

	n.broadcast = btcio.NewBroadcastLoop(n.btc, n.l1txs, btcio.DefaultBroadcasterConfig(rollupParams))

	n.rpc = NewRPCHandler(DefaultRPCHandlerConfig())
	n.registerRPCMethods()

	switch cfg.Role {
	case "bridge-operator":
		if err := n.wireBridgeOperator(); err != nil {
			return nil, err
		}
	case "sequencer":
		if err := n.wireSequencer(); err != nil {
			return nil, err
		}
	}

	n.registerHealthChecks()
	return n, nil
}

// genesisChainstate builds the empty Chainstate a node starts from before
// it has persisted (or followed) any L2 block, seeded with the rollup's
// configured operator set.
func genesisChainstate(p *params.RollupParams) *chainstate.Chainstate {
	operators := make([]chainstate.OperatorEntry, len(p.OperatorConfig))
	for i, o := range p.OperatorConfig {
		operators[i] = chainstate.OperatorEntry{Index: uint32(i), SigningPK: o.Signing, WalletPK: o.Wallet}
	}
	return chainstate.New(operators, p.GenesisL1Height)
}

// baseTxFilterConfig builds the static half of a TxFilterConfig from
// RollupParams; the ExpectedWithdrawalFulfillments map is refreshed on
// every L1 poll from the live chainstate's dispatched deposits (see
// refreshWithdrawalFilter), since that set changes block to block.
func baseTxFilterConfig(p *params.RollupParams) *l1reader.TxFilterConfig {
	return &l1reader.TxFilterConfig{
		RollupName:                     p.RollupName,
		DepositConfig:                  l1reader.DepositConfig{DepositAmount: p.DepositAmount},
		ExpectedWithdrawalFulfillments: map[uint32]l1reader.ExpectedWithdrawalFulfillment{},
	}
}

// refreshWithdrawalFilter rebuilds the follower's expected-fulfillment set
// from the most recently seen chainstate's dispatched deposits, so the
// follower recognizes each operator's withdrawal payout as it's assigned
// rather than only the
// set fixed at startup.
func (n *Node) refreshWithdrawalFilter(cs *chainstate.Chainstate) {
	expected := make(map[uint32]l1reader.ExpectedWithdrawalFulfillment)
	for _, d := range cs.DepositsTable.All() {
		if d.Status != chainstate.DepositDispatched {
			continue
		}
		expected[d.Index] = l1reader.ExpectedWithdrawalFulfillment{
			DepositIdx:  d.Index,
			OperatorIdx: d.Assignee,
			DepositTxid: d.WithdrawalTxid,
			Destination: d.Cmd.Destination,
			MinAmount:   d.Cmd.Amount,
		}
	}
	n.filter.ExpectedWithdrawalFulfillments = expected
}

func loadJWTSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("node: reading engine jwt secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("node: decoding engine jwt secret: %w", err)
	}
	return secret, nil
}

// loadVerifyingKey reads the rollup's Groth16 verifying key bytes from
// RollupVK, decoding it via checkpoint.DecodeVerifyingKey. Returns a nil
// key (and nil error) when the params carry no key, which leaves L1
// checkpoints unverified — acceptable for devnets without a prover.
func loadVerifyingKey(p *params.RollupParams) (*checkpoint.VerifyingKey, error) {
	if len(p.RollupVK) == 0 {
		return nil, nil
	}
	return checkpoint.DecodeVerifyingKey(p.RollupVK)
}

// wireBridgeOperator constructs the MuSig2 signature manager, duty
// executor, and gossip transport for Role == "bridge-operator".
func (n *Node) wireBridgeOperator() error {
	n.keystore = crypto.NewKeystore(crypto.DefaultKeystoreConfig())
	privBytes, err := n.keystore.LoadKey(primitives.OperatorIdx(n.cfg.BridgeOperatorIdx), crypto.PurposeSigning, "")
	if err != nil {
		return fmt.Errorf("node: loading bridge operator signing key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(privBytes)

	n.bridgeDB = bridge.NewDBStore(n.db)
	n.sigMgr = bridge.NewSignatureManager(bridge.BtcecEngine{}, n.bridgeDB, primitives.OperatorIdx(n.cfg.BridgeOperatorIdx), priv)

	dutySource := NewRPCDutySource(n.cfg.BridgeDutySourceURL)
	statusStore := bridge.NewDBDutyStatusStore(n.db)
	transport, err := n.dialGossipTransport()
	if err != nil {
		return err
	}

	n.dutyExec = bridge.NewDutyExecutor(
		primitives.OperatorIdx(n.cfg.BridgeOperatorIdx),
		n.sigMgr,
		dutySource,
		statusStore,
		transport,
		n.btc,
		bridge.DefaultExecutorConfig(),
	)
	return nil
}

// dialGossipTransport returns the bridge duty executor's gossip.Transport:
// a WSRelayClient dialed at cfg.BridgeGossipRelayURL when one is configured
// (the multi-process deployment), or a fresh in-process InMemoryTransport
// otherwise (devnets running every operator in one binary).
func (n *Node) dialGossipTransport() (gossip.Transport, error) {
	if n.cfg.BridgeGossipRelayURL == "" {
		return gossip.NewInMemoryTransport(), nil
	}
	conn, err := gossip.DialWSRelay(n.cfg.BridgeGossipRelayURL)
	if err != nil {
		return nil, fmt.Errorf("node: dialing gossip relay: %w", err)
	}
	n.gossipConn = conn
	return conn, nil
}

// wireSequencer constructs the block assembler, the envelope writer, and
// the duty worker for Role == "sequencer".
func (n *Node) wireSequencer() error {
	n.gasLedger = sequencer.NewInMemoryGasLedger()
	n.assembler = sequencer.NewBlockAssembler(n.manifests, l1TipHeightFunc(n.btc), n.ckptStore, n.gasLedger, n.engineClient, n.rollup)
	n.envHandle = btcio.NewEnvelopeHandle(n.l1txs, &btcio.RefTxAssembler{}, l1reader.CheckpointEnvelopeTag)

	if n.cfg.BridgeKeystorePath != "" {
		ks := crypto.NewKeystore(crypto.KeystoreConfig{KeyDir: n.cfg.BridgeKeystorePath})
		priv, err := ks.LoadKey(0, crypto.PurposeSigning, "")
		if err == nil {
			n.seqPriv, _ = btcec.PrivKeyFromBytes(priv)
		}
	}
	if n.seqPriv == nil {
		alog.Warn("sequencer has no signing key configured, block production disabled")
		return nil
	}

	n.dutyWorker = sequencer.NewDutyWorker(
		n.assembler,
		n.fc,
		n.chainstates,
		func() *chainstate.Chainstate { return genesisChainstate(n.rollup) },
		&sequencerBlockSink{n: n},
		&checkpointSink{store: n.ckptStore},
		sequencer.NoProver{},
		n.envHandle,
		n.seqPriv,
		n.rollup,
	)
	return nil
}

// l1TipHeightFunc adapts an btcio.RPCClient's BestHeight into
// sequencer.L1TipHeightSource.
type l1TipHeightSourceFn func() (uint64, error)

func (f l1TipHeightSourceFn) L1TipHeight() (uint64, error) { return f() }

func l1TipHeightFunc(c *btcio.RPCClient) sequencer.L1TipHeightSource {
	return l1TipHeightSourceFn(c.BestHeight)
}

// --- lifecycle ---

// Start launches every background loop the node's role requires: the CSM
// advance loop, the L1 follower poll loop, the broadcaster tick loop, this
// node's JSON-RPC server, and (role-dependent) the bridge duty executor or
// the sequencer's block-production loop.
func (n *Node) Start() error {
	n.health.SetStartTime(time.Now().Unix())

	// The CSM worker gets no restarts: its failures are skipped event
	// indices or protocol violations, which a relaunch can't fix. The
	// I/O-facing loops ride out transient RPC weather with backoff.
	n.services.Register("csm-worker", n.runCSMLoop, NoRestart())
	n.services.Register("l1-follower", n.runFollowerLoop, DefaultRestartPolicy())
	n.services.Register("l1-broadcaster", n.runBroadcasterLoop, DefaultRestartPolicy())

	switch n.cfg.Role {
	case "bridge-operator":
		n.services.Register("bridge-duty-executor", n.runBridgeDutyLoop, DefaultRestartPolicy())
	case "sequencer":
		n.services.Register("sequencer-duty-worker", n.runSequencerLoop, DefaultRestartPolicy())
	}
	n.services.StartAll()

	if n.cfg.RPCPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", n.rpc)
		n.httpSrv = &http.Server{Addr: n.cfg.RPCAddr(), Handler: mux}
		n.tm.Spawn("rpc-server", func() {
			if err := n.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				alog.Error("rpc server exited", "err", err)
			}
		})
	}

	alog.Info("node started", "role", n.cfg.Role, "name", n.cfg.Name)
	return nil
}

// Stop triggers graceful shutdown of every background loop and waits for
// them to unwind, then closes the store.
func (n *Node) Stop() error {
	n.shutdown.Trigger()
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.httpSrv.Shutdown(ctx)
	}
	if n.gossipConn != nil {
		_ = n.gossipConn.Close()
	}
	n.tm.Wait()
	n.bus.Close()
	return n.db.Close()
}

// ShutdownSignal exposes the node's shutdown signal so cmd/rollnode can
// wire it to OS signal handling.
func (n *Node) ShutdownSignal() *tasks.ShutdownSignal { return n.shutdown }

func pollUntilShutdown(shutdown *tasks.ShutdownSignal, interval time.Duration, tick func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown.Done():
			return nil
		case <-ticker.C:
			if err := tick(); err != nil {
				alog.Error("poll tick failed", "err", err)
			}
		}
	}
}

func (n *Node) runCSMLoop() error {
	return pollUntilShutdown(n.shutdown, 500*time.Millisecond, func() error {
		latest, found, err := n.events.LatestIndex()
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return n.worker.AdvanceTo(latest, n.shutdown.Guard())
	})
}

func (n *Node) runFollowerLoop() error {
	return pollUntilShutdown(n.shutdown, 2*time.Second, func() error {
		if _, state, ok := n.notifier.Current(); ok {
			n.refreshWithdrawalFilter(mostRecentChainstate(n, state))
		}
		return n.follower.PollOnce()
	})
}

// mostRecentChainstate is a best-effort lookup of the chainstate at the
// latest persisted L2 slot, finalized or not, for refreshing the withdrawal
// filter. Falls back to an empty chainstate (no expected fulfillments)
// before the node has produced or followed any L2 blocks.
func mostRecentChainstate(n *Node, _ *csm.ClientState) *chainstate.Chainstate {
	slot, found, err := n.chainstates.LatestSlot()
	if err != nil || !found {
		return chainstate.New(nil, n.rollup.GenesisL1Height)
	}
	cs, found, err := n.chainstates.GetChainstate(slot)
	if err != nil || !found {
		return chainstate.New(nil, n.rollup.GenesisL1Height)
	}
	return cs
}

func (n *Node) runBroadcasterLoop() error {
	return pollUntilShutdown(n.shutdown, 10*time.Second, n.broadcast.Tick)
}

func (n *Node) runBridgeDutyLoop() error {
	ctx, cancel := n.shutdown.Context(context.Background())
	defer cancel()
	return pollUntilShutdown(n.shutdown, 500*time.Millisecond, func() error {
		return n.dutyExec.PollOnce(ctx)
	})
}

// runSequencerLoop ticks the duty worker once per configured slot
// interval: it extracts and dispatches SignBlock/CommitBatch duties, with
// produced blocks landing back here through sequencerBlockSink.
func (n *Node) runSequencerLoop() error {
	if n.dutyWorker == nil {
		return nil
	}
	interval := time.Duration(n.rollup.BlockTimeMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return pollUntilShutdown(n.shutdown, interval, func() error {
		var finalizedBatch *uint64
		if _, state, ok := n.notifier.Current(); ok {
			if fe := state.FinalizedEpoch; fe.LastBlkid != (primitives.L2BlockId{}) {
				e := fe.Epoch
				finalizedBatch = &e
			}
		}
		return n.dutyWorker.Tick(time.Now(), finalizedBatch)
	})
}
