// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the enforcer's wallet store: a locally
// persisted ledger of sidechain deposit transactions kept consistent with
// chain state arriving from a pluggable chain source, block connection
// notifications, and the mempool sync task.
//
// Three resources are guarded here: the in-memory ledger, the persisted
// database, and the last sync timestamp. Every entry point acquires their
// locks in the documented order wallet -> timestamp -> database and
// releases them in reverse. The SyncSession guard can only be obtained by
// acquiring locks in that order, so the illegal orders are not
// representable by callers.
package wallet

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
)

const (
	// ledgerDBName is the file name of the persisted ledger.
	ledgerDBName = "ledger.db"

	// bundleDBName is the file name of the proposal database.
	bundleDBName = "bundles.db"

	// dbTimeout is how long to wait for the database file lock.
	dbTimeout = 10 * time.Second
)

// Config holds the wallet's construction parameters. The chain source is
// fixed here and never changes at runtime.
type Config struct {
	// DataDir is the directory holding the ledger and proposal
	// databases.
	DataDir string

	// Source supplies ledger updates during periodic sync.
	Source chain.Source

	// WatchSidechains is the set of sidechain slots to track deposits
	// for.
	WatchSidechains []drivechain.SidechainNumber
}

// Wallet guards the wallet ledger, its on-disk database, and the last sync
// timestamp behind an ordered lock hierarchy, and exposes the atomic
// apply/commit operations used by the sync loop and block connection
// handling.
type Wallet struct {
	source chain.Source

	// mu is the wallet lock. It is the outermost lock of the hierarchy
	// and guards unlocked and ledger.
	mu       sync.Mutex
	unlocked bool
	ledger   *ledger

	// lastSyncMu guards lastSync. Acquired after mu, before dbMu.
	lastSyncMu sync.Mutex
	lastSync   time.Time

	// dbMu guards db. Innermost lock.
	dbMu sync.Mutex
	db   walletdb.DB

	bundles *BundleTracker
}

// Open loads, or creates, the wallet databases under cfg.DataDir. The
// wallet starts locked; callers unlock it once credentials have been
// verified.
func Open(cfg *Config) (*Wallet, error) {
	db, err := walletdb.Create(
		"bdb", filepath.Join(cfg.DataDir, ledgerDBName), true,
		dbTimeout,
	)
	if err != nil {
		return nil, err
	}
	if err := initStore(db); err != nil {
		db.Close()
		return nil, err
	}

	ldgr, lastSync, err := loadLedger(db, cfg.WatchSidechains)
	if err != nil {
		db.Close()
		return nil, err
	}

	bundles, err := OpenBundleTracker(filepath.Join(cfg.DataDir, bundleDBName))
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened wallet ledger with %d transactions, checkpoint "+
		"tip height %d", len(ldgr.txs), func() int32 {
		tip, ok := ldgr.tip()
		if !ok {
			return -1
		}
		return tip.Height
	}())

	return &Wallet{
		source:   cfg.Source,
		ledger:   ldgr,
		lastSync: lastSync,
		db:       db,
		bundles:  bundles,
	}, nil
}

// Close releases the wallet's database handles.  Both handles are closed
// even if the first close fails.
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.unlocked = false
	bundlesErr := w.bundles.Close()

	w.dbMu.Lock()
	defer w.dbMu.Unlock()
	return errors.Join(bundlesErr, w.db.Close())
}

// Unlock makes the wallet available for synchronization and block
// handling.
func (w *Wallet) Unlock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unlocked = true
}

// Lock makes the wallet unavailable. Periodic sync rounds fired while the
// wallet is locked are skipped without error.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unlocked = false
}

// Unlocked reports whether the wallet is currently available.
func (w *Wallet) Unlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unlocked
}

// LastSync returns the wall-clock time of the last successful commit.
func (w *Wallet) LastSync() time.Time {
	w.lastSyncMu.Lock()
	defer w.lastSyncMu.Unlock()
	return w.lastSync
}

// BackEnd returns the name of the configured chain source.
func (w *Wallet) BackEnd() string {
	return w.source.BackEnd()
}

// HandleConnectBlock applies a newly connected block to the wallet. The
// exclusive wallet lock is taken immediately, before any other lock, so
// that block handling never interleaves with a concurrent periodic sync.
//
// Finalization events and confirmed sidechain proposals derived from
// blockInfo are deleted from the bundle tracker before the block is
// applied to the ledger, so a subsequent read of pending state never
// observes proposals the block has already resolved.
func (w *Wallet) HandleConnectBlock(block *wire.MsgBlock, height int32,
	blockInfo *drivechain.BlockInfo) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.unlocked {
		return ErrNotUnlocked
	}

	if blockInfo != nil {
		err := w.bundles.DeleteFinalized(blockInfo.FinalizedBundles())
		if err != nil {
			return err
		}
		err = w.bundles.DeleteConfirmedProposals(
			blockInfo.ConfirmedProposalIDs(),
		)
		if err != nil {
			return err
		}
	}

	if err := w.ledger.applyBlock(block, height); err != nil {
		return err
	}

	// The stored sync time is carried over unchanged; connecting a block
	// is not a chain source sync. Read it before taking the database
	// lock to preserve the lock order.
	lastSync := w.LastSync()

	w.dbMu.Lock()
	defer w.dbMu.Unlock()

	if err := persistLedger(w.db, w.ledger, lastSync); err != nil {
		return &PersistError{Err: err}
	}

	log.Debugf("Connected block %v at height %d (%d txs)",
		block.BlockHash(), height, len(block.Transactions))
	return nil
}

// PutWithdrawalBundle records a validated withdrawal bundle transaction as
// a pending proposal and returns its bundle id.
func (w *Wallet) PutWithdrawalBundle(
	bundle *drivechain.WithdrawalBundle) (drivechain.BundleID, error) {

	if err := w.bundles.PutBundleProposal(bundle); err != nil {
		return drivechain.BundleID{}, err
	}

	id := bundle.ID()
	log.Infof("Recorded pending withdrawal bundle %v for sidechain %v",
		id, bundle.Sidechain)
	return id, nil
}

// PendingBundleProposals returns the pending withdrawal bundle proposals
// for the given sidechain.
func (w *Wallet) PendingBundleProposals(
	sidechain drivechain.SidechainNumber) ([]PendingBundleProposal, error) {

	return w.bundles.PendingProposals(sidechain)
}

// Transactions returns a snapshot of the ledger's tracked transactions.
func (w *Wallet) Transactions() []TxRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ledger.records()
}

// Ctip returns the current treasury outpoint for a sidechain, or a
// MissingCtipError when no confirmed deposit has been observed for it.
func (w *Wallet) Ctip(
	sidechain drivechain.SidechainNumber) (wire.OutPoint, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	ctip, ok := w.ledger.ctips[sidechain]
	if !ok {
		return wire.OutPoint{}, &MissingCtipError{Sidechain: sidechain}
	}
	return ctip, nil
}

// CheckpointTip returns the ledger's checkpoint tip, or false if no block
// has been connected yet.
func (w *Wallet) CheckpointTip() (Checkpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ledger.tip()
}
