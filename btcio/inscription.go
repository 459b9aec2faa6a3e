// Package btcio talks to Bitcoin L1: it builds and parses the taproot
// envelope transactions the rollup uses to post checkpoints, and drives
// the broadcaster lifecycle that gets signed transactions confirmed and
// tracks their depth.
package btcio

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// EnvelopeChunkSize is the maximum data push Bitcoin script allows
// (MAX_SCRIPT_ELEMENT_SIZE), so larger payloads are split across pushes.
const EnvelopeChunkSize = 520

// BuildEnvelopeScript constructs a taproot envelope carrying payload under
// tag, in the OP_FALSE OP_IF <tag> <chunk> ... OP_ENDIF shape used both by
// checkpoint inscriptions and (supplementing the distilled spec, which
// only specifies the read side) the writer that produces them.
func BuildEnvelopeScript(tag string, payload []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_FALSE)
	b.AddOp(txscript.OP_IF)
	b.AddData([]byte(tag))
	for len(payload) > 0 {
		n := EnvelopeChunkSize
		if len(payload) < n {
			n = len(payload)
		}
		b.AddData(payload[:n])
		payload = payload[n:]
	}
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// ParseEnvelopeScript reverses BuildEnvelopeScript: given a witness
// tapscript, it checks the tag matches wantTag and reassembles the
// chunked payload. Returns ok=false if script isn't a matching envelope.
func ParseEnvelopeScript(script []byte, wantTag string) (payload []byte, ok bool) {
	tok := txscript.MakeScriptTokenizer(0, script)

	if !tok.Next() || tok.Opcode() != txscript.OP_FALSE {
		return nil, false
	}
	if !tok.Next() || tok.Opcode() != txscript.OP_IF {
		return nil, false
	}
	if !tok.Next() {
		return nil, false
	}
	if !bytes.Equal(tok.Data(), []byte(wantTag)) {
		return nil, false
	}

	var out []byte
	for tok.Next() {
		if tok.Opcode() == txscript.OP_ENDIF {
			if tok.Err() != nil {
				return nil, false
			}
			return out, true
		}
		out = append(out, tok.Data()...)
	}
	if tok.Err() != nil {
		return nil, false
	}
	return nil, false // ran off the end without seeing OP_ENDIF
}

// ErrPayloadTooLarge is returned when a caller tries to inscribe a payload
// the envelope encoding can't represent with a sane number of chunks.
var ErrPayloadTooLarge = fmt.Errorf("btcio: payload exceeds maximum envelope size")
