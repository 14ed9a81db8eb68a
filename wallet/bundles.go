// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"database/sql"
	"time"

	"github.com/btcsuite/btcd/wire"
	_ "modernc.org/sqlite" // Register the pure-Go SQLite driver.

	"github.com/drivechain-suite/enforcerd/drivechain"
)

// bundleSchema creates the proposal bookkeeping tables. Both tables are
// keyed so that replayed deletions are natural no-ops.
const bundleSchema = `
CREATE TABLE IF NOT EXISTS bundle_proposals (
	sidechain_number INTEGER NOT NULL,
	bundle_id        BLOB NOT NULL,
	tx               BLOB NOT NULL,
	fee_sats         INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (sidechain_number, bundle_id)
);
CREATE TABLE IF NOT EXISTS sidechain_proposals (
	proposal_id BLOB PRIMARY KEY,
	sidechain_number INTEGER NOT NULL,
	description BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);`

// PendingBundleProposal is one locally proposed withdrawal bundle that has
// not yet been finalized on-chain.
type PendingBundleProposal struct {
	Sidechain drivechain.SidechainNumber
	Bundle    drivechain.BundleID
	Tx        *wire.MsgTx
	Fee       uint64
	CreatedAt time.Time
}

// BundleTracker maintains the set of pending withdrawal bundle proposals
// and pending sidechain proposals in a local SQLite database, and
// reconciles them against the finalization events derived from connected
// blocks.
//
// All mutating operations are idempotent: deleting an absent key is a
// no-op, which matters because reconnection after a restart may replay
// already-processed blocks.
type BundleTracker struct {
	db *sql.DB
}

// OpenBundleTracker opens (creating if necessary) the proposal database at
// the given path.
func OpenBundleTracker(dbPath string) (*BundleTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(bundleSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &BundleTracker{db: db}, nil
}

// Close releases the underlying database handle.
func (t *BundleTracker) Close() error {
	return t.db.Close()
}

// PutBundleProposal records a validated withdrawal bundle as pending.
// Re-submitting the same bundle refreshes its stored transaction without
// error.
func (t *BundleTracker) PutBundleProposal(
	bundle *drivechain.WithdrawalBundle) error {

	var txBuf bytes.Buffer
	if err := bundle.Tx.Serialize(&txBuf); err != nil {
		return err
	}

	id := bundle.ID()
	_, err := t.db.Exec(`
		INSERT INTO bundle_proposals
			(sidechain_number, bundle_id, tx, fee_sats, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sidechain_number, bundle_id)
		DO UPDATE SET tx = excluded.tx, fee_sats = excluded.fee_sats`,
		int64(bundle.Sidechain), id[:], txBuf.Bytes(),
		int64(bundle.Fee), time.Now().Unix(),
	)
	return err
}

// PendingProposals returns the pending bundle proposals for one sidechain.
func (t *BundleTracker) PendingProposals(
	sidechain drivechain.SidechainNumber) ([]PendingBundleProposal, error) {

	rows, err := t.db.Query(`
		SELECT bundle_id, tx, fee_sats, created_at
		FROM bundle_proposals
		WHERE sidechain_number = ?
		ORDER BY created_at`,
		int64(sidechain),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []PendingBundleProposal
	for rows.Next() {
		var (
			idBytes   []byte
			txBytes   []byte
			feeSats   int64
			createdAt int64
		)
		if err := rows.Scan(&idBytes, &txBytes, &feeSats,
			&createdAt); err != nil {

			return nil, err
		}

		proposal := PendingBundleProposal{
			Sidechain: sidechain,
			Fee:       uint64(feeSats),
			CreatedAt: time.Unix(createdAt, 0),
			Tx:        &wire.MsgTx{},
		}
		copy(proposal.Bundle[:], idBytes)
		err := proposal.Tx.Deserialize(bytes.NewReader(txBytes))
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, proposal)
	}
	return proposals, rows.Err()
}

// RecordSidechainProposal tracks a locally submitted sidechain proposal
// until a block confirms it.
func (t *BundleTracker) RecordSidechainProposal(
	proposal *drivechain.SidechainProposal) error {

	id := proposal.ID()
	_, err := t.db.Exec(`
		INSERT OR IGNORE INTO sidechain_proposals
			(proposal_id, sidechain_number, description, created_at)
		VALUES (?, ?, ?, ?)`,
		id[:], int64(proposal.Sidechain), proposal.Description,
		time.Now().Unix(),
	)
	return err
}

// DeleteFinalized removes the pending proposals matching the given
// (sidechain, bundle) keys. Keys with no matching proposal are skipped.
func (t *BundleTracker) DeleteFinalized(keys []drivechain.BundleKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		DELETE FROM bundle_proposals
		WHERE sidechain_number = ? AND bundle_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.Exec(
			int64(key.Sidechain), key.Bundle[:],
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteConfirmedProposals removes sidechain proposal bookkeeping for
// proposals that have appeared on-chain. Unknown ids are skipped.
func (t *BundleTracker) DeleteConfirmedProposals(
	ids []drivechain.ProposalID) error {

	if len(ids) == 0 {
		return nil
	}

	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`DELETE FROM sidechain_proposals WHERE proposal_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id[:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SidechainProposalCount returns the number of tracked sidechain
// proposals.
func (t *BundleTracker) SidechainProposalCount() (int, error) {
	var count int
	err := t.db.QueryRow(
		`SELECT COUNT(*) FROM sidechain_proposals`).Scan(&count)
	return count, err
}
