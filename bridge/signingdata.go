package bridge

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/primitives"
)

// SigningData is everything a MuSig2 session needs to sign one Bitcoin
// transaction: the unsigned transaction itself plus the single taproot
// key-path prevout it spends. Every deposit/withdrawal tx in this bridge
// spends exactly one bridge-controlled UTXO (bridge-tx-builder's
// withdrawal.rs: "the withdrawal tx is guaranteed to have one UTXO -- the
// deposit"), so unlike a general PSBT this carries one prevout rather
// than a vector of them.
type SigningData struct {
	UnsignedTx    []byte // serialized wire.MsgTx
	PrevoutScript []byte // scriptPubKey of the UTXO being spent (P2TR)
	PrevoutValue  int64  // in satoshis
}

// decodeTx parses UnsignedTx into a wire.MsgTx.
func (d SigningData) decodeTx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(d.UnsignedTx)); err != nil {
		return nil, fmt.Errorf("bridge: decoding unsigned tx: %w", err)
	}
	return tx, nil
}

// Txid returns the txid of the unsigned transaction, which is also the
// MuSig2 session key — taproot key-path spends don't change the txid when
// the witness is attached, so this is stable across the whole ceremony.
func (d SigningData) Txid() (primitives.BitcoinTxid, error) {
	tx, err := d.decodeTx()
	if err != nil {
		return primitives.BitcoinTxid{}, err
	}
	return primitives.BitcoinTxid(tx.TxHash()), nil
}

// SigMsg computes the BIP-341 taproot key-path signature hash this
// session's participants sign over (SIGHASH_DEFAULT), using
// btcsuite/btcd/txscript the way l1reader already does for script
// parsing.
func (d SigningData) SigMsg() ([32]byte, error) {
	tx, err := d.decodeTx()
	if err != nil {
		return [32]byte{}, err
	}
	if len(tx.TxIn) != 1 {
		return [32]byte{}, fmt.Errorf("bridge: expected exactly one input, got %d", len(tx.TxIn))
	}

	prevOut := wire.NewTxOut(d.PrevoutValue, d.PrevoutScript)
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, 0, fetcher)
	if err != nil {
		return [32]byte{}, fmt.Errorf("bridge: computing taproot sighash: %w", err)
	}
	var out [32]byte
	copy(out[:], hash)
	return out, nil
}

// AttachSignature returns the raw, fully-signed transaction bytes: the
// unsigned transaction with sig installed as its sole input's key-path
// witness.
func (d SigningData) AttachSignature(sig primitives.Buf64) ([]byte, error) {
	tx, err := d.decodeTx()
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig.Bytes()}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("bridge: serializing signed tx: %w", err)
	}
	return buf.Bytes(), nil
}
