package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/basinrollup/basin/primitives"
	"github.com/basinrollup/basin/store"
)

// BridgeDutyKind tags the sum type BridgeDuty — task_manager.rs's
// BridgeDuty enum.
type BridgeDutyKind uint8

const (
	// DutySignDeposit is signing the deposit transaction that moves a
	// user's locked funds into the bridge's joint custody.
	DutySignDeposit BridgeDutyKind = iota
	// DutyFulfillWithdrawal is signing the transaction that pays a
	// withdrawal request out of the bridge's joint custody.
	DutyFulfillWithdrawal
)

// BridgeDuty is one unit of work handed to a bridge operator: sign this
// deposit, or fulfill this withdrawal. TrackerTxid is the txid used to key
// both the MuSig2 session and the duty-status record — the deposit
// request's outpoint txid for a deposit duty, the withdrawal's deposit
// outpoint txid for a withdrawal duty (task_manager.rs's poll_duties
// indexes both duty kinds by this "tracker" txid).
type BridgeDuty struct {
	Index       uint64
	Kind        BridgeDutyKind
	TrackerTxid primitives.BitcoinTxid
	SigningData SigningData
	Pubkeys     PubkeyTable
}

// DutySource fetches pending duties starting at a cursor index, the
// operator's view onto whatever upstream assigns bridge work (a rollup RPC
// endpoint in production, an in-memory feed in tests). Mirrors
// task_manager.rs's poll_duties RPC call.
type DutySource interface {
	FetchDuties(startIndex uint64) ([]BridgeDuty, error)
}

// DutyStatusKind tags the sum type DutyStatus.
type DutyStatusKind uint8

const (
	DutyReceived DutyStatusKind = iota
	DutyExecuted
	DutyFailed
)

// DutyStatus is the outcome recorded for one duty's TrackerTxid, persisted
// so a restarted operator never replays a duty it already completed
//.
type DutyStatus struct {
	Kind   DutyStatusKind
	Reason string // set when Kind == DutyFailed
}

type dutyStatusWire struct {
	Kind   uint8
	Reason string
}

// DutyStatusStore persists each duty's outcome, keyed by TrackerTxid, plus
// the single cursor index marking how far FetchDuties has been consumed.
type DutyStatusStore interface {
	GetStatus(txid primitives.BitcoinTxid) (DutyStatus, bool, error)
	PutStatus(txid primitives.BitcoinTxid, status DutyStatus) error

	GetCursor() (uint64, error)
	SetCursor(idx uint64) error
}

// DBDutyStatusStore implements DutyStatusStore over store.DB's
// TableDutyStatus, which holds both the per-duty statuses and the cursor
// (rocksdb-store/src/bridge/db.rs's
// BridgeDutyRocksDb and BridgeDutyIndexRocksDb, collapsed onto one table
// since both are small and keyed independently).
type DBDutyStatusStore struct {
	db *store.DB
}

// NewDBDutyStatusStore wraps db for bridge duty-status persistence.
func NewDBDutyStatusStore(db *store.DB) *DBDutyStatusStore {
	return &DBDutyStatusStore{db: db}
}

func (s *DBDutyStatusStore) GetStatus(txid primitives.BitcoinTxid) (DutyStatus, bool, error) {
	raw, found, err := s.db.GetKeyedRecord(store.TableDutyStatus, dutyStatusKey(txid))
	if err != nil || !found {
		return DutyStatus{}, found, err
	}
	var w dutyStatusWire
	if err := borsh.Deserialize(&w, raw); err != nil {
		return DutyStatus{}, false, fmt.Errorf("bridge: decoding duty status for %s: %w", txid, err)
	}
	return DutyStatus{Kind: DutyStatusKind(w.Kind), Reason: w.Reason}, true, nil
}

func (s *DBDutyStatusStore) PutStatus(txid primitives.BitcoinTxid, status DutyStatus) error {
	raw, err := borsh.Serialize(dutyStatusWire{Kind: uint8(status.Kind), Reason: status.Reason})
	if err != nil {
		return fmt.Errorf("bridge: encoding duty status for %s: %w", txid, err)
	}
	return s.db.PutKeyedRecord(store.TableDutyStatus, dutyStatusKey(txid), raw)
}

func (s *DBDutyStatusStore) GetCursor() (uint64, error) {
	raw, found, err := s.db.GetMeta(store.TableDutyStatus, "bridge_duty_cursor")
	if err != nil || !found {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("bridge: corrupt duty cursor record")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *DBDutyStatusStore) SetCursor(idx uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], idx)
	return s.db.PutMeta(store.TableDutyStatus, "bridge_duty_cursor", buf[:])
}

// dutyStatusKey namespaces duty-status keys from any other keyed record
// sharing TableDutyStatus, even though today nothing else does.
func dutyStatusKey(txid primitives.BitcoinTxid) []byte {
	key := make([]byte, 1+len(txid))
	key[0] = 'd'
	copy(key[1:], txid[:])
	return key
}
