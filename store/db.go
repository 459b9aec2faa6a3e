// Package store provides the pebble-backed persistence layer shared by
// every stateful subsystem: the CSM's sync-event log and client-state
// history, L1 manifests, the L1 broadcaster's transaction entries, and
// checkpoint/duty-status records. It plays the role the teacher's rawdb
// package plays for block/state storage, generalized to column families
// keyed by a one-byte prefix plus a big-endian index.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// cf identifies a logical column family within the single pebble instance.
type cf byte

const (
	cfSyncEvents   cf = 0x01
	cfClientStates cf = 0x02
	cfManifests    cf = 0x03
	cfL1TxEntries  cf = 0x04
	cfCheckpoints  cf = 0x05
	cfDutyStatus   cf = 0x06
	cfMeta         cf = 0x07 // counters and singleton records, keyed by a string tag
	cfBridgeTxState cf = 0x08
	cfChainstates  cf = 0x09
	cfL2Blocks     cf = 0x0A
)

// DB wraps a single pebble.DB instance, partitioned by column family.
type DB struct {
	pdb *pebble.DB
}

// Open opens (creating if necessary) a pebble database at path.
func Open(path string) (*DB, error) {
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: opening pebble db at %s: %w", path, err)
	}
	return &DB{pdb: pdb}, nil
}

// Close releases the underlying pebble handle.
func (d *DB) Close() error {
	return d.pdb.Close()
}

func idxKey(c cf, idx uint64) []byte {
	key := make([]byte, 9)
	key[0] = byte(c)
	binary.BigEndian.PutUint64(key[1:], idx)
	return key
}

func metaKey(c cf, tag string) []byte {
	key := make([]byte, 1+len(tag))
	key[0] = byte(cfMeta)
	copy(key[1:], tag)
	_ = c
	return key
}

func (d *DB) getRaw(key []byte) ([]byte, bool, error) {
	v, closer, err := d.pdb.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, cerr
	}
	return out, true, nil
}

func (d *DB) putRaw(key, val []byte) error {
	return d.pdb.Set(key, val, pebble.Sync)
}

func (d *DB) get(c cf, idx uint64) ([]byte, bool, error) {
	return d.getRaw(idxKey(c, idx))
}

func (d *DB) put(c cf, idx uint64, val []byte) error {
	return d.putRaw(idxKey(c, idx), val)
}

// prefixUpperBound returns the smallest key that sorts after every key with
// the given prefix, for use as a pebble IterOptions.UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xFF; unbounded
}

// indices returns every idx with an entry in column family c, in ascending
// order.
func (d *DB) indices(c cf) ([]uint64, error) {
	prefix := []byte{byte(c)}
	iter, err := d.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 9 {
			continue
		}
		out = append(out, binary.BigEndian.Uint64(key[1:]))
	}
	return out, iter.Error()
}

// Table identifies a column family owned by a package outside store, for
// use with GetRecord/PutRecord/Indices/NextIndex. Packages that define
// their own on-disk record types (checkpoint, bridge duty status) key
// into the same pebble instance this way instead of each opening their own
// database.
type Table byte

const (
	TableCheckpoints  Table = Table(cfCheckpoints)
	TableDutyStatus   Table = Table(cfDutyStatus)
	TableBridgeTxState Table = Table(cfBridgeTxState)
	TableChainstates  Table = Table(cfChainstates)
	TableL2Blocks     Table = Table(cfL2Blocks)
)

// GetRecord reads the raw bytes stored at (table, idx).
func (d *DB) GetRecord(table Table, idx uint64) ([]byte, bool, error) {
	return d.get(cf(table), idx)
}

// PutRecord writes raw bytes at (table, idx).
func (d *DB) PutRecord(table Table, idx uint64, val []byte) error {
	return d.put(cf(table), idx, val)
}

// Indices returns every idx with a record stored under table, ascending.
func (d *DB) Indices(table Table) ([]uint64, error) {
	return d.indices(cf(table))
}

// NextIndex reserves the next free auto-increment index for table.
func (d *DB) NextIndex(table Table) (uint64, error) {
	return d.nextIndex(cf(table))
}

// PeekNextIndex returns the next free auto-increment index for table
// without reserving it, for callers that only need to know how far a
// counter has advanced (e.g. the latest submitted index).
func (d *DB) PeekNextIndex(table Table) (uint64, error) {
	return d.peekNextIndex(cf(table))
}

func (d *DB) peekNextIndex(c cf) (uint64, error) {
	raw, found, err := d.getRaw(metaKey(c, fmt.Sprintf("next:%d", c)))
	if err != nil || !found {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// keyedKey builds the pebble key for a table record addressed by an
// arbitrary byte string (a txid, a scope digest) rather than an
// auto-increment index.
func keyedKey(c cf, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(c)
	copy(out[1:], key)
	return out
}

// GetKeyedRecord reads the raw bytes stored under table at an arbitrary
// byte key (as opposed to GetRecord's auto-increment uint64 index). Used
// by tables naturally addressed by content — bridge MuSig2 sessions and
// duty status, both keyed by Bitcoin txid.
func (d *DB) GetKeyedRecord(table Table, key []byte) ([]byte, bool, error) {
	return d.getRaw(keyedKey(cf(table), key))
}

// PutKeyedRecord writes raw bytes under table at an arbitrary byte key.
func (d *DB) PutKeyedRecord(table Table, key []byte, val []byte) error {
	return d.putRaw(keyedKey(cf(table), key), val)
}

// KeyedRecordKeys returns every key stored under table via
// PutKeyedRecord, in lexicographic order.
func (d *DB) KeyedRecordKeys(table Table) ([][]byte, error) {
	prefix := []byte{byte(table)}
	iter, err := d.pdb.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		k := make([]byte, len(key)-1)
		copy(k, key[1:])
		out = append(out, k)
	}
	return out, iter.Error()
}

// GetMeta reads a singleton record (a persisted cursor, a counter) tagged
// by name, namespaced by table so two packages can't collide on a
// same-named tag.
func (d *DB) GetMeta(table Table, tag string) ([]byte, bool, error) {
	return d.getRaw(metaKey(cf(table), fmt.Sprintf("%d:%s", table, tag)))
}

// PutMeta writes a singleton record tagged by name.
func (d *DB) PutMeta(table Table, tag string, val []byte) error {
	return d.putRaw(metaKey(cf(table), fmt.Sprintf("%d:%s", table, tag)), val)
}

// nextIndex atomically reserves and returns the next free index for column
// family c, persisting the new counter value.
func (d *DB) nextIndex(c cf) (uint64, error) {
	tag := fmt.Sprintf("next:%d", c)
	key := metaKey(c, tag)

	raw, found, err := d.getRaw(key)
	if err != nil {
		return 0, err
	}
	var next uint64
	if found {
		next = binary.BigEndian.Uint64(raw)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := d.putRaw(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}
