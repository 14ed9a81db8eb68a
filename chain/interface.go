package chain

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Back end names accepted by the wallet configuration.
const (
	BackEndBitcoind = "bitcoind"
	BackEndEsplora  = "esplora"
)

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		BackEndBitcoind,
		BackEndEsplora,
	}
}

// SyncRequest describes the wallet state a chain source should reconcile
// against the chain. The caller builds it from the current ledger, so a
// source never needs to know anything about the wallet itself.
type SyncRequest struct {
	// Scripts are output scripts to check for new transactions. Not every
	// backend can serve script lookups; backends that cannot will ignore
	// this field.
	Scripts [][]byte

	// TxIDs are transactions already tracked by the wallet whose
	// confirmation status should be refreshed.
	TxIDs []chainhash.Hash
}

// TxConfirmation describes where a transaction confirmed.
type TxConfirmation struct {
	Height    int32
	BlockHash chainhash.Hash
	Time      time.Time
}

// TxUpdate is the per-transaction element of a SourceUpdate.
type TxUpdate struct {
	TxID chainhash.Hash

	// Tx is the full transaction. It may be nil when the source only
	// refreshed the confirmation status of an already-known transaction.
	Tx *wire.MsgTx

	// Confirmation is nil for transactions still in the mempool.
	Confirmation *TxConfirmation
}

// BlockStamp identifies a block in the best chain.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
	Time   time.Time
}

// SourceUpdate is a backend-agnostic delta produced by one Sync call. The
// wallet can apply it without knowing which backend produced it.
type SourceUpdate struct {
	Txs []TxUpdate

	// Tip is the source's view of the best chain tip at sync time.
	Tip BlockStamp
}

// Source is a pluggable chain-data backend. The backend in use is chosen
// when the wallet is constructed and never changes at runtime.
type Source interface {
	// BackEnd returns the name of the driver.
	BackEnd() string

	// Sync fetches an update for the watched scripts and transactions in
	// the request. Fetch strategy (sequential batches vs. bounded
	// parallelism) is a property of the backend, fixed at construction.
	Sync(req *SyncRequest) (*SourceUpdate, error)
}

// SourceError tags a backend failure with the identity of the backend that
// produced it, so a backend-specific fault can be told apart from a wallet
// fault by operators.
type SourceError struct {
	BackEnd string
	Err     error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return fmt.Sprintf("chain source %s: %v", e.BackEnd, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *SourceError) Unwrap() error {
	return e.Err
}
