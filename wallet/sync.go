// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// SyncSession bundles the three guards (wallet, timestamp, database) held
// for one synchronization round. It exists only between fetching an update
// and committing or discarding it, and is the sole way those locks can be
// held together, which pins the acquisition order.
type SyncSession struct {
	w        *Wallet
	released bool
}

// Commit persists the in-memory ledger to the database, advances the last
// sync timestamp, and releases the held locks in reverse acquisition
// order. The timestamp is only advanced when persisting succeeded, so a
// failed commit leaves no trace of the round.
func (s *SyncSession) Commit() error {
	defer s.release()

	now := time.Now()
	if err := persistLedger(s.w.db, s.w.ledger, now); err != nil {
		return &PersistError{Err: err}
	}
	s.w.lastSync = now

	log.Tracef("Wallet sync committed at %v", now)
	return nil
}

// Discard releases the held locks without persisting. The in-memory ledger
// keeps the applied update; the next successful commit will persist it.
func (s *SyncSession) Discard() {
	s.release()
}

// release drops the guards in the reverse of their acquisition order:
// database, then timestamp, then wallet.
func (s *SyncSession) release() {
	if s.released {
		return
	}
	s.released = true

	s.w.dbMu.Unlock()
	s.w.lastSyncMu.Unlock()
	s.w.mu.Unlock()
}

// SyncLock fetches an update from the chain source and applies it to the
// in-memory ledger, returning a session holding the wallet, timestamp and
// database guards. It returns None, and no error, when the wallet is
// locked: a sync round fired against a locked wallet is skipped, not
// failed.
//
// Lock order: the wallet lock is taken first and held across the source
// fetch, so no other ledger mutation can slip in between fetching the
// update and applying it. The timestamp lock follows, the database lock is
// taken last, once the update has been applied in memory.
func (w *Wallet) SyncLock() (fn.Option[*SyncSession], error) {
	none := fn.None[*SyncSession]()
	start := time.Now()

	w.mu.Lock()
	if !w.unlocked {
		w.mu.Unlock()
		log.Tracef("Skipping sync round, wallet is locked")
		return none, nil
	}

	w.lastSyncMu.Lock()

	req := w.ledger.syncRequest()
	log.Tracef("Requesting sync via %s chain source (%d scripts, %d txs)",
		w.source.BackEnd(), len(req.Scripts), len(req.TxIDs))

	update, err := w.source.Sync(req)
	if err != nil {
		w.lastSyncMu.Unlock()
		w.mu.Unlock()
		return none, err
	}

	w.ledger.applyUpdate(update)
	w.dbMu.Lock()

	log.Debugf("Wallet sync fetched %d tx updates via %s in %v",
		len(update.Txs), w.source.BackEnd(), time.Since(start))

	return fn.Some(&SyncSession{w: w}), nil
}

// Sync runs one full synchronization round: fetch, apply, commit. A locked
// wallet is a no-op success.
func (w *Wallet) Sync() error {
	session, err := w.SyncLock()
	if err != nil {
		return err
	}
	if session.IsNone() {
		return nil
	}
	return session.UnwrapOr(nil).Commit()
}
