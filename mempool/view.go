package mempool

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// view represents our view of the node's mempool together with a cache of
// the full transactions. The boolean in the txs map is used during
// reconciliation to indicate whether the node's mempool still contains the
// transaction.
type view struct {
	sync.RWMutex

	// txs stores the txids in the mempool.
	txs map[chainhash.Hash]bool

	// cache stores the full transactions for the txids above.
	cache map[chainhash.Hash]*btcutil.Tx

	// inputs stores the inputs of the txids in the mempool. This is
	// created for fast double-spend lookup.
	inputs map[wire.OutPoint]chainhash.Hash
}

// newView creates an empty mempool view.
func newView() *view {
	return &view{
		txs:    make(map[chainhash.Hash]bool),
		cache:  make(map[chainhash.Hash]*btcutil.Tx),
		inputs: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// add inserts the given transaction into our view and marks it as present
// in the node's mempool.
func (v *view) add(tx *btcutil.Tx) {
	v.Lock()
	defer v.Unlock()

	hash := *tx.Hash()
	v.txs[hash] = true
	v.cache[hash] = tx
	v.updateInputs(tx.MsgTx())
}

// remove deletes the given transaction from our view, if present.
func (v *view) remove(hash chainhash.Hash) {
	v.Lock()
	defer v.Unlock()

	delete(v.txs, hash)
	delete(v.cache, hash)
	v.removeInputs(hash)
}

// containsTx returns true if the given transaction hash is already in our
// view.
func (v *view) containsTx(hash chainhash.Hash) bool {
	v.RLock()
	defer v.RUnlock()

	_, ok := v.txs[hash]
	return ok
}

// containsInput returns the spending transaction if the given input is
// already spent in our view.
func (v *view) containsInput(op wire.OutPoint) (chainhash.Hash, bool) {
	v.RLock()
	defer v.RUnlock()

	txid, ok := v.inputs[op]
	return txid, ok
}

// clean removes any of the given transactions from the view if they are
// found there. This is called with the transactions of a newly connected
// block.
func (v *view) clean(txs []*wire.MsgTx) {
	v.Lock()
	defer v.Unlock()

	for _, tx := range txs {
		txid := tx.TxHash()
		delete(v.txs, txid)
		delete(v.cache, txid)
		v.removeInputs(txid)
	}
}

// unmarkAll un-marks all the transactions in the view. This is done just
// before re-evaluating our view against the node's mempool.
func (v *view) unmarkAll() {
	v.Lock()
	defer v.Unlock()

	for hash := range v.txs {
		v.txs[hash] = false
	}
}

// mark marks the transaction of the given hash to indicate it is still
// present in the node's mempool.
func (v *view) mark(hash chainhash.Hash) {
	v.Lock()
	defer v.Unlock()

	if _, ok := v.txs[hash]; !ok {
		return
	}
	v.txs[hash] = true
}

// deleteUnmarked removes all the unmarked transactions from the view.
func (v *view) deleteUnmarked() {
	v.Lock()
	defer v.Unlock()

	for hash, marked := range v.txs {
		if marked {
			continue
		}
		delete(v.txs, hash)
		delete(v.cache, hash)
		v.removeInputs(hash)
	}
}

// snapshot returns a copy of all transactions currently in the view.
func (v *view) snapshot() []*btcutil.Tx {
	v.RLock()
	defer v.RUnlock()

	txs := make([]*btcutil.Tx, 0, len(v.cache))
	for _, tx := range v.cache {
		txs = append(txs, tx)
	}
	return txs
}

// size returns the number of transactions in the view.
func (v *view) size() int {
	v.RLock()
	defer v.RUnlock()
	return len(v.txs)
}

// removeInputs takes a txid and removes the tx's inputs from the view's
// inputs map.
//
// NOTE: must be used inside a lock.
func (v *view) removeInputs(tx chainhash.Hash) {
	for outpoint, txid := range v.inputs {
		if txid.IsEqual(&tx) {
			// NOTE: it's safe to delete while iterating go map.
			delete(v.inputs, outpoint)
		}
	}
}

// updateInputs takes a tx and populates its inputs into the view's inputs
// map.
//
// NOTE: must be used inside a lock.
func (v *view) updateInputs(tx *wire.MsgTx) {
	for _, input := range tx.TxIn {
		outpoint := input.PreviousOutPoint

		oldTxid, ok := v.inputs[outpoint]
		if ok {
			log.Tracef("Input %s was spent in tx %s, now spent "+
				"in %s", outpoint, oldTxid, tx.TxHash())
		}

		// A replacement overwrites the previous spender.
		v.inputs[outpoint] = tx.TxHash()
	}
}
