// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
)

// maxCheckpoints is the number of recent (height, hash) checkpoints kept to
// validate contiguous block application.
const maxCheckpoints = 100

// Checkpoint is one link of the ledger's checkpoint chain.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// TxRecord is a wallet-relevant transaction tracked by the ledger, together
// with its chain position.
type TxRecord struct {
	TxID chainhash.Hash
	Tx   *wire.MsgTx

	// Sidechain is the sidechain tagged by the transaction's treasury
	// output.
	Sidechain drivechain.SidechainNumber

	Received btcutil.Amount
	Sent     btcutil.Amount
	Fee      btcutil.Amount

	// Confirmation is nil while the transaction is unconfirmed.
	Confirmation *chain.TxConfirmation
}

// ledger is the in-memory wallet ledger. It is owned exclusively by the
// Wallet and must only be touched while holding the wallet lock.
type ledger struct {
	// watched is the set of sidechains whose treasury scripts the wallet
	// tracks deposits for.
	watched map[drivechain.SidechainNumber]struct{}

	txs map[chainhash.Hash]*TxRecord

	// checkpoints is ascending and contiguous in height.
	checkpoints []Checkpoint

	// bestKnown is the most recent tip reported by the chain source. It
	// is advisory only; the checkpoint chain is advanced exclusively by
	// connected blocks.
	bestKnown chain.BlockStamp

	// ctips maps each sidechain to the most recently confirmed treasury
	// outpoint.
	ctips map[drivechain.SidechainNumber]wire.OutPoint
}

func newLedger(watched []drivechain.SidechainNumber) *ledger {
	l := &ledger{
		watched: make(map[drivechain.SidechainNumber]struct{}),
		txs:     make(map[chainhash.Hash]*TxRecord),
		ctips:   make(map[drivechain.SidechainNumber]wire.OutPoint),
	}
	for _, n := range watched {
		l.watched[n] = struct{}{}
	}
	return l
}

// tip returns the current checkpoint tip, or false if no block has been
// connected yet.
func (l *ledger) tip() (Checkpoint, bool) {
	if len(l.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return l.checkpoints[len(l.checkpoints)-1], true
}

// syncRequest builds the chain source request covering all watched treasury
// scripts and every tracked transaction.
func (l *ledger) syncRequest() *chain.SyncRequest {
	req := &chain.SyncRequest{}
	for n := range l.watched {
		req.Scripts = append(req.Scripts, drivechain.DepositScript(n))
	}
	for txid := range l.txs {
		req.TxIDs = append(req.TxIDs, txid)
	}
	return req
}

// applyUpdate folds a chain source delta into the ledger. New transactions
// are adopted if they pay a watched treasury script; known transactions
// only have their confirmation status refreshed.
func (l *ledger) applyUpdate(update *chain.SourceUpdate) {
	for i := range update.Txs {
		txUpdate := &update.Txs[i]

		record, ok := l.txs[txUpdate.TxID]
		if !ok {
			if txUpdate.Tx == nil {
				continue
			}
			record = l.adoptTx(txUpdate.Tx)
			if record == nil {
				continue
			}
		}
		record.Confirmation = txUpdate.Confirmation
		l.updateCtip(record)
	}

	if update.Tip.Height >= l.bestKnown.Height {
		l.bestKnown = update.Tip
	}
}

// applyBlock connects a block to the ledger. The block must extend the
// checkpoint chain exactly: a height gap or a mismatched previous hash is a
// hard error indicating an unhandled reorganization.
func (l *ledger) applyBlock(block *wire.MsgBlock, height int32) error {

	if tip, ok := l.tip(); ok {
		if height != tip.Height+1 {
			return &BlockGapError{
				Height:    height,
				TipHeight: tip.Height,
			}
		}
		if block.Header.PrevBlock != tip.Hash {
			return &ReorgError{
				Height:   height,
				PrevHash: block.Header.PrevBlock,
				TipHash:  tip.Hash,
			}
		}
	}

	blockHash := block.BlockHash()
	conf := &chain.TxConfirmation{
		Height:    height,
		BlockHash: blockHash,
		Time:      block.Header.Timestamp,
	}

	for _, tx := range block.Transactions {
		txid := tx.TxHash()

		record, ok := l.txs[txid]
		if !ok {
			record = l.adoptTx(tx)
			if record == nil {
				continue
			}
		}
		record.Confirmation = conf
		l.updateCtip(record)
	}

	l.checkpoints = append(l.checkpoints, Checkpoint{
		Height: height,
		Hash:   blockHash,
	})
	if len(l.checkpoints) > maxCheckpoints {
		l.checkpoints = l.checkpoints[len(l.checkpoints)-maxCheckpoints:]
	}
	if height >= l.bestKnown.Height {
		l.bestKnown = chain.BlockStamp{
			Height: height,
			Hash:   blockHash,
			Time:   block.Header.Timestamp,
		}
	}

	return nil
}

// adoptTx creates a record for a transaction paying a watched treasury
// script, or returns nil if the transaction is not wallet-relevant.
func (l *ledger) adoptTx(tx *wire.MsgTx) *TxRecord {
	var (
		received  btcutil.Amount
		sidechain drivechain.SidechainNumber
		relevant  bool
	)
	for _, txOut := range tx.TxOut {
		n, err := drivechain.ParseDepositScript(txOut.PkScript)
		if err != nil {
			continue
		}
		if _, ok := l.watched[n]; !ok {
			continue
		}
		received += btcutil.Amount(txOut.Value)
		sidechain = n
		relevant = true
	}
	if !relevant {
		return nil
	}

	record := &TxRecord{
		TxID:      tx.TxHash(),
		Tx:        tx,
		Sidechain: sidechain,
		Received:  received,
	}
	l.txs[record.TxID] = record
	return record
}

// updateCtip records the treasury outpoint of a confirmed deposit as the
// sidechain's current ctip.
func (l *ledger) updateCtip(record *TxRecord) {
	if record.Confirmation == nil {
		return
	}
	for vout, txOut := range record.Tx.TxOut {
		n, err := drivechain.ParseDepositScript(txOut.PkScript)
		if err != nil {
			continue
		}
		if _, ok := l.watched[n]; !ok {
			continue
		}
		l.ctips[n] = wire.OutPoint{
			Hash:  record.TxID,
			Index: uint32(vout),
		}
	}
}

// records returns a copy of the tracked transaction records.
func (l *ledger) records() []TxRecord {
	out := make([]TxRecord, 0, len(l.txs))
	for _, record := range l.txs {
		out = append(out, *record)
	}
	return out
}
