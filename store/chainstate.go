package store

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

type depositEntryWire struct {
	Index           uint32
	Status          uint8
	DestIdent       []byte
	CmdDestination  []byte
	CmdAmountSats   uint64
	Assignee        uint32
	ExecDeadline    uint64
	WithdrawalTxid  [32]byte
	FulfillmentTxid [32]byte
	AmountSats      uint64
}

func toDepositEntryWire(d chainstate.DepositEntry) depositEntryWire {
	return depositEntryWire{
		Index:           d.Index,
		Status:          uint8(d.Status),
		DestIdent:       d.DestIdent,
		CmdDestination:  d.Cmd.Destination,
		CmdAmountSats:   uint64(d.Cmd.Amount),
		Assignee:        uint32(d.Assignee),
		ExecDeadline:    d.ExecDeadline,
		WithdrawalTxid:  [32]byte(d.WithdrawalTxid),
		FulfillmentTxid: [32]byte(d.FulfillmentTxid),
		AmountSats:      uint64(d.Amount),
	}
}

func (w depositEntryWire) toDepositEntry() chainstate.DepositEntry {
	return chainstate.DepositEntry{
		Index:  w.Index,
		Status: chainstate.DepositStatus(w.Status),
		DestIdent: w.DestIdent,
		Cmd: chainstate.DispatchCommand{
			Destination: w.CmdDestination,
			Amount:      primitives.BitcoinAmount(w.CmdAmountSats),
		},
		Assignee:        primitives.OperatorIdx(w.Assignee),
		ExecDeadline:    w.ExecDeadline,
		WithdrawalTxid:  primitives.BitcoinTxid(w.WithdrawalTxid),
		FulfillmentTxid: primitives.BitcoinTxid(w.FulfillmentTxid),
		Amount:          primitives.BitcoinAmount(w.AmountSats),
	}
}

type operatorEntryWire struct {
	Index     uint32
	SigningPK [32]byte
	WalletPK  [32]byte
}

func toOperatorEntryWire(o chainstate.OperatorEntry) operatorEntryWire {
	return operatorEntryWire{
		Index:     o.Index,
		SigningPK: [32]byte(o.SigningPK),
		WalletPK:  [32]byte(o.WalletPK),
	}
}

func (w operatorEntryWire) toOperatorEntry() chainstate.OperatorEntry {
	return chainstate.OperatorEntry{
		Index:     w.Index,
		SigningPK: primitives.Buf32(w.SigningPK),
		WalletPK:  primitives.Buf32(w.WalletPK),
	}
}

type depositIntentWire struct {
	AmountSats uint64
	DestIdent  []byte
}

func toDepositIntentWire(d chainstate.DepositIntent) depositIntentWire {
	return depositIntentWire{AmountSats: uint64(d.Amt), DestIdent: d.DestIdent}
}

func (w depositIntentWire) toDepositIntent() chainstate.DepositIntent {
	return chainstate.DepositIntent{Amt: primitives.BitcoinAmount(w.AmountSats), DestIdent: w.DestIdent}
}

type withdrawalIntentWire struct {
	AmountSats  uint64
	Destination []byte
	Txid        [32]byte
}

func toWithdrawalIntentWire(w chainstate.WithdrawalIntent) withdrawalIntentWire {
	return withdrawalIntentWire{
		AmountSats:  uint64(w.Amt),
		Destination: w.Destination,
		Txid:        [32]byte(w.WithdrawalTxid),
	}
}

func (w withdrawalIntentWire) toWithdrawalIntent() chainstate.WithdrawalIntent {
	return chainstate.WithdrawalIntent{
		Amt:            primitives.BitcoinAmount(w.AmountSats),
		Destination:    w.Destination,
		WithdrawalTxid: primitives.BitcoinTxid(w.Txid),
	}
}

type l1ViewWire struct {
	SafeHeight         uint64
	NextExpectedHeight uint64
	MaturationQueue    []manifestWire
}

func toL1ViewWire(v chainstate.L1View) l1ViewWire {
	mq := make([]manifestWire, len(v.MaturationQueue))
	for i, m := range v.MaturationQueue {
		mq[i] = toManifestWire(m)
	}
	return l1ViewWire{SafeHeight: v.SafeHeight, NextExpectedHeight: v.NextExpectedHeight, MaturationQueue: mq}
}

func (w l1ViewWire) toL1View() chainstate.L1View {
	mq := make([]chainstate.L1BlockManifest, len(w.MaturationQueue))
	for i, mw := range w.MaturationQueue {
		mq[i] = mw.toManifest()
	}
	return chainstate.L1View{SafeHeight: w.SafeHeight, NextExpectedHeight: w.NextExpectedHeight, MaturationQueue: mq}
}

type execEnvStateWire struct {
	PendingDepositsQueue []depositIntentWire
	LastELBlock          [32]byte
}

func toExecEnvStateWire(e chainstate.ExecEnvState) execEnvStateWire {
	q := make([]depositIntentWire, len(e.PendingDepositsQueue))
	for i, d := range e.PendingDepositsQueue {
		q[i] = toDepositIntentWire(d)
	}
	return execEnvStateWire{PendingDepositsQueue: q, LastELBlock: [32]byte(e.LastELBlock)}
}

func (w execEnvStateWire) toExecEnvState() chainstate.ExecEnvState {
	q := make([]chainstate.DepositIntent, len(w.PendingDepositsQueue))
	for i, dw := range w.PendingDepositsQueue {
		q[i] = dw.toDepositIntent()
	}
	return chainstate.ExecEnvState{PendingDepositsQueue: q, LastELBlock: primitives.Buf32(w.LastELBlock)}
}

type epochCommitmentWire struct {
	Epoch     uint64
	LastSlot  uint64
	LastBlkid [32]byte
}

func toEpochCommitmentWire(e primitives.EpochCommitment) epochCommitmentWire {
	return epochCommitmentWire{Epoch: e.Epoch, LastSlot: e.LastSlot, LastBlkid: [32]byte(e.LastBlkid)}
}

func (w epochCommitmentWire) toEpochCommitment() primitives.EpochCommitment {
	return primitives.EpochCommitment{Epoch: w.Epoch, LastSlot: w.LastSlot, LastBlkid: primitives.L2BlockId(w.LastBlkid)}
}

type chainstateWire struct {
	Slot             uint64
	LastBlock        [32]byte
	CurEpoch         uint64
	PrevEpoch        epochCommitmentWire
	EpochFinishing   bool
	L1View           l1ViewWire
	PendingDeposits  []depositIntentWire
	PendingWithdraws []withdrawalIntentWire
	DepositsTable    []depositEntryWire
	OperatorTable    []operatorEntryWire
	ExecEnvState     execEnvStateWire
}

func toChainstateWire(c *chainstate.Chainstate) chainstateWire {
	deposits := c.DepositsTable.All()
	dw := make([]depositEntryWire, len(deposits))
	for i, d := range deposits {
		dw[i] = toDepositEntryWire(d)
	}
	operators := c.OperatorTable.All()
	ow := make([]operatorEntryWire, len(operators))
	for i, o := range operators {
		ow[i] = toOperatorEntryWire(o)
	}
	pd := make([]depositIntentWire, len(c.PendingDeposits))
	for i, d := range c.PendingDeposits {
		pd[i] = toDepositIntentWire(d)
	}
	pw := make([]withdrawalIntentWire, len(c.PendingWithdraws))
	for i, w := range c.PendingWithdraws {
		pw[i] = toWithdrawalIntentWire(w)
	}
	return chainstateWire{
		Slot:             c.Slot,
		LastBlock:        [32]byte(c.LastBlock),
		CurEpoch:         c.CurEpoch,
		PrevEpoch:        toEpochCommitmentWire(c.PrevEpoch),
		EpochFinishing:   c.EpochFinishing,
		L1View:           toL1ViewWire(c.L1View),
		PendingDeposits:  pd,
		PendingWithdraws: pw,
		DepositsTable:    dw,
		OperatorTable:    ow,
		ExecEnvState:     toExecEnvStateWire(c.ExecEnvState),
	}
}

func (w chainstateWire) toChainstate() *chainstate.Chainstate {
	deposits := chainstate.NewSortedVec[chainstate.DepositEntry]()
	for _, dw := range w.DepositsTable {
		deposits.Insert(dw.toDepositEntry())
	}
	operators := chainstate.NewSortedVec[chainstate.OperatorEntry]()
	for _, ow := range w.OperatorTable {
		operators.Insert(ow.toOperatorEntry())
	}
	pd := make([]chainstate.DepositIntent, len(w.PendingDeposits))
	for i, dw := range w.PendingDeposits {
		pd[i] = dw.toDepositIntent()
	}
	pw := make([]chainstate.WithdrawalIntent, len(w.PendingWithdraws))
	for i, ww := range w.PendingWithdraws {
		pw[i] = ww.toWithdrawalIntent()
	}
	return &chainstate.Chainstate{
		Slot:             w.Slot,
		LastBlock:        primitives.L2BlockId(w.LastBlock),
		CurEpoch:         w.CurEpoch,
		PrevEpoch:        w.PrevEpoch.toEpochCommitment(),
		EpochFinishing:   w.EpochFinishing,
		L1View:           w.L1View.toL1View(),
		PendingDeposits:  pd,
		PendingWithdraws: pw,
		DepositsTable:    deposits,
		OperatorTable:    operators,
		ExecEnvState:     w.ExecEnvState.toExecEnvState(),
	}
}

// ChainstateStore persists Chainstate snapshots keyed by the L2 slot that
// produced them, so block assembly and full-node replay can load "the
// chainstate at slot N" without holding every snapshot in memory.
type ChainstateStore struct {
	db *DB
}

// NewChainstateStore wraps db for chainstate snapshot storage.
func NewChainstateStore(db *DB) *ChainstateStore {
	return &ChainstateStore{db: db}
}

// PutChainstate persists the post-state of slot, marking it the latest
// known slot.
func (s *ChainstateStore) PutChainstate(slot uint64, c *chainstate.Chainstate) error {
	raw, err := borsh.Serialize(toChainstateWire(c))
	if err != nil {
		return fmt.Errorf("store: encoding chainstate at slot %d: %w", slot, err)
	}
	if err := s.db.PutRecord(TableChainstates, slot, raw); err != nil {
		return err
	}
	return s.db.PutMeta(TableChainstates, "latest_slot", encodeUint64(slot))
}

// GetChainstate retrieves the chainstate snapshot at slot, if present.
func (s *ChainstateStore) GetChainstate(slot uint64) (*chainstate.Chainstate, bool, error) {
	raw, found, err := s.db.GetRecord(TableChainstates, slot)
	if err != nil || !found {
		return nil, found, err
	}
	var w chainstateWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return nil, false, fmt.Errorf("store: decoding chainstate at slot %d: %w", slot, err)
	}
	return w.toChainstate(), true, nil
}

// LatestSlot returns the highest slot a chainstate has been persisted for.
func (s *ChainstateStore) LatestSlot() (uint64, bool, error) {
	raw, found, err := s.db.GetMeta(TableChainstates, "latest_slot")
	if err != nil || !found {
		return 0, found, err
	}
	return decodeUint64(raw), true, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

type l2HeaderWire struct {
	Slot        uint64
	Epoch       uint64
	Timestamp   uint64
	ParentBlkid [32]byte
	BodyHash    [32]byte
	StateRoot   [32]byte
}

type l2BlockWire struct {
	Header      l2HeaderWire
	L1Segment   []manifestWire
	ExecOps     []opWire
	Withdrawals []withdrawalIntentWire
	NewELBlock  [32]byte
	Sig         [64]byte
}

type opWire struct {
	Kind             uint8
	DepositIntentIdx uint32
}

// L2BlockRecord is the persisted shape of a sequencer-assembled, signed L2
// block: its header, body, and signature, addressed by block id. Mirrors
// the header/body/sig split sequencer.SignedL2Block uses in memory; this
// package defines its own wire mirror rather than importing sequencer's
// (unexported) one, matching manifestWire/clientStateWire's local-mirror
// convention elsewhere in this package.
type L2BlockRecord struct {
	Slot        uint64
	Epoch       uint64
	Timestamp   uint64
	ParentBlkid primitives.L2BlockId
	BodyHash    primitives.Buf32
	StateRoot   primitives.Buf32
	L1Segment   []chainstate.L1BlockManifest
	ExecOps     []ExecOpRecord
	Withdrawals []chainstate.WithdrawalIntent
	NewELBlock  primitives.Buf32
	Sig         primitives.Buf64
}

// ExecOpRecord mirrors chaintsn.Op for persistence, keeping this package
// from importing chaintsn just for one flat struct.
type ExecOpRecord struct {
	Kind             uint8
	DepositIntentIdx uint32
}

// L2BlockStore persists assembled L2 blocks keyed by block id, the
// "L2Block by id" column spec.md §6 names.
type L2BlockStore struct {
	db *DB
}

// NewL2BlockStore wraps db for L2 block storage.
func NewL2BlockStore(db *DB) *L2BlockStore {
	return &L2BlockStore{db: db}
}

// PutBlock persists rec keyed by blkid.
func (s *L2BlockStore) PutBlock(blkid primitives.L2BlockId, rec L2BlockRecord) error {
	seg := make([]manifestWire, len(rec.L1Segment))
	for i, m := range rec.L1Segment {
		seg[i] = toManifestWire(m)
	}
	ops := make([]opWire, len(rec.ExecOps))
	for i, op := range rec.ExecOps {
		ops[i] = opWire{Kind: op.Kind, DepositIntentIdx: op.DepositIntentIdx}
	}
	wd := make([]withdrawalIntentWire, len(rec.Withdrawals))
	for i, w := range rec.Withdrawals {
		wd[i] = toWithdrawalIntentWire(w)
	}
	w := l2BlockWire{
		Header: l2HeaderWire{
			Slot:        rec.Slot,
			Epoch:       rec.Epoch,
			Timestamp:   rec.Timestamp,
			ParentBlkid: [32]byte(rec.ParentBlkid),
			BodyHash:    [32]byte(rec.BodyHash),
			StateRoot:   [32]byte(rec.StateRoot),
		},
		L1Segment:   seg,
		ExecOps:     ops,
		Withdrawals: wd,
		NewELBlock:  [32]byte(rec.NewELBlock),
		Sig:         [64]byte(rec.Sig),
	}
	raw, err := borsh.Serialize(w)
	if err != nil {
		return fmt.Errorf("store: encoding l2 block %s: %w", blkid, err)
	}
	return s.db.PutKeyedRecord(TableL2Blocks, blkid.Bytes(), raw)
}

// GetBlock retrieves the block stored under blkid, if present.
func (s *L2BlockStore) GetBlock(blkid primitives.L2BlockId) (L2BlockRecord, bool, error) {
	raw, found, err := s.db.GetKeyedRecord(TableL2Blocks, blkid.Bytes())
	if err != nil || !found {
		return L2BlockRecord{}, found, err
	}
	var w l2BlockWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return L2BlockRecord{}, false, fmt.Errorf("store: decoding l2 block %s: %w", blkid, err)
	}
	seg := make([]chainstate.L1BlockManifest, len(w.L1Segment))
	for i, mw := range w.L1Segment {
		seg[i] = mw.toManifest()
	}
	ops := make([]ExecOpRecord, len(w.ExecOps))
	for i, ow := range w.ExecOps {
		ops[i] = ExecOpRecord{Kind: ow.Kind, DepositIntentIdx: ow.DepositIntentIdx}
	}
	wd := make([]chainstate.WithdrawalIntent, len(w.Withdrawals))
	for i, ww := range w.Withdrawals {
		wd[i] = ww.toWithdrawalIntent()
	}
	return L2BlockRecord{
		Slot:        w.Header.Slot,
		Epoch:       w.Header.Epoch,
		Timestamp:   w.Header.Timestamp,
		ParentBlkid: primitives.L2BlockId(w.Header.ParentBlkid),
		BodyHash:    primitives.Buf32(w.Header.BodyHash),
		StateRoot:   primitives.Buf32(w.Header.StateRoot),
		L1Segment:   seg,
		ExecOps:     ops,
		Withdrawals: wd,
		NewELBlock:  primitives.Buf32(w.NewELBlock),
		Sig:         primitives.Buf64(w.Sig),
	}, true, nil
}
