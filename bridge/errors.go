package bridge

import "fmt"

// NonceTimeoutError is returned when a signing session doesn't collect
// every operator's nonce before the configured deadline.
type NonceTimeoutError struct {
	Txid     string
	Have, Want int
}

func (e *NonceTimeoutError) Error() string {
	return fmt.Sprintf("bridge: timed out collecting nonces for %s (%d/%d)", e.Txid, e.Have, e.Want)
}

// SigTimeoutError is returned when a signing session doesn't collect every
// operator's partial signature before the configured deadline.
type SigTimeoutError struct {
	Txid       string
	Have, Want int
}

func (e *SigTimeoutError) Error() string {
	return fmt.Sprintf("bridge: timed out collecting partial sigs for %s (%d/%d)", e.Txid, e.Have, e.Want)
}

var (
	// ErrBatchIncomplete is the sentinel the duty executor's run loop uses
	// internally to signal that the cursor must not advance past a batch
	// containing a failed duty (task_manager.rs: "only advance the index if
	// none of the duties failed").
	ErrBatchIncomplete = fmt.Errorf("bridge: one or more duties in batch failed")
)
