package l1reader

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"

	"github.com/basinrollup/basin/chainstate"
	"github.com/basinrollup/basin/primitives"
)

// BuildManifest turns a fetched Bitcoin block into a chainstate.L1BlockManifest:
// its header record plus every protocol operation the tx filter recognized
// in any of its transactions. The HeaderVerificationState field is left
// zero, and the Follower stores the manifest that way: nothing in the
// reader fills it in.
func BuildManifest(block *wire.MsgBlock, height uint64, epoch uint64, cfg *TxFilterConfig) (chainstate.L1BlockManifest, error) {
	var headerBuf bytes.Buffer
	if err := block.Header.Serialize(&headerBuf); err != nil {
		return chainstate.L1BlockManifest{}, err
	}
	blkHash := block.Header.BlockHash()

	extracted := make([]chainstate.ExtractedTx, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		ops := ExtractProtocolOps(tx, cfg)
		if len(ops) == 0 {
			continue
		}
		extracted = append(extracted, chainstate.ExtractedTx{
			Txid: primitives.BitcoinTxid(tx.TxHash()),
			Ops:  ops,
		})
	}

	return chainstate.L1BlockManifest{
		Record: chainstate.L1HeaderRecord{
			Blkid:          primitives.L1BlockId(blkHash),
			RawHeaderBytes: headerBuf.Bytes(),
			TxRoot:         primitives.Buf32(block.Header.MerkleRoot),
		},
		ExtractedTxs: extracted,
		Epoch:        epoch,
		Height:       height,
	}, nil
}
