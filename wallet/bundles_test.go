// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/drivechain-suite/enforcerd/drivechain"
)

func openTestTracker(t *testing.T) *BundleTracker {
	t.Helper()

	tracker, err := OpenBundleTracker(filepath.Join(t.TempDir(), "bundles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

// testBundle builds a valid withdrawal bundle for the sidechain, unique per
// nonce.
func testBundle(t *testing.T, sidechain drivechain.SidechainNumber,
	nonce uint32) *drivechain.WithdrawalBundle {

	t.Helper()

	commitment := make([]byte, 10)
	commitment[0] = txscript.OP_RETURN
	commitment[1] = txscript.OP_DATA_8
	binary.BigEndian.PutUint64(commitment[2:], 700)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: nonce},
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: commitment})
	tx.AddTxOut(&wire.TxOut{
		Value:    40_000,
		PkScript: []byte{txscript.OP_TRUE},
	})

	bundle, err := drivechain.ParseWithdrawalBundle(sidechain, tx)
	require.NoError(t, err)
	return bundle
}

func TestBundleTrackerPutAndList(t *testing.T) {
	tracker := openTestTracker(t)

	bundle := testBundle(t, 3, 1)
	require.NoError(t, tracker.PutBundleProposal(bundle))

	// Re-submitting the same bundle is not an error.
	require.NoError(t, tracker.PutBundleProposal(bundle))

	pending, err := tracker.PendingProposals(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, bundle.ID(), pending[0].Bundle)
	require.Equal(t, uint64(700), pending[0].Fee)

	// Another sidechain sees nothing.
	pending, err = tracker.PendingProposals(4)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBundleTrackerDeleteFinalized(t *testing.T) {
	tracker := openTestTracker(t)

	keep := testBundle(t, 3, 1)
	finalized := testBundle(t, 3, 2)
	other := testBundle(t, 5, 3)
	for _, bundle := range []*drivechain.WithdrawalBundle{
		keep, finalized, other,
	} {
		require.NoError(t, tracker.PutBundleProposal(bundle))
	}

	// A succeeded event for one bundle removes exactly that bundle.
	keys := []drivechain.BundleKey{
		{Sidechain: 3, Bundle: finalized.ID()},
	}
	require.NoError(t, tracker.DeleteFinalized(keys))

	pending, err := tracker.PendingProposals(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, keep.ID(), pending[0].Bundle)

	pending, err = tracker.PendingProposals(5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestBundleTrackerDeleteFinalizedIdempotent(t *testing.T) {
	tracker := openTestTracker(t)

	bundle := testBundle(t, 3, 1)
	require.NoError(t, tracker.PutBundleProposal(bundle))

	keys := []drivechain.BundleKey{{Sidechain: 3, Bundle: bundle.ID()}}
	require.NoError(t, tracker.DeleteFinalized(keys))

	// Deleting again, and deleting a bundle that never existed, must
	// both succeed without error.
	require.NoError(t, tracker.DeleteFinalized(keys))
	require.NoError(t, tracker.DeleteFinalized([]drivechain.BundleKey{
		{Sidechain: 9, Bundle: drivechain.BundleID{0: 0xee}},
	}))
	require.NoError(t, tracker.DeleteFinalized(nil))

	pending, err := tracker.PendingProposals(3)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBundleTrackerSidechainProposals(t *testing.T) {
	tracker := openTestTracker(t)

	proposal := &drivechain.SidechainProposal{
		Sidechain:   1,
		Description: []byte("test chain"),
	}
	require.NoError(t, tracker.RecordSidechainProposal(proposal))
	require.NoError(t, tracker.RecordSidechainProposal(proposal))

	count, err := tracker.SidechainProposalCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	ids := []drivechain.ProposalID{proposal.ID()}
	require.NoError(t, tracker.DeleteConfirmedProposals(ids))
	require.NoError(t, tracker.DeleteConfirmedProposals(ids))

	count, err = tracker.SidechainProposalCount()
	require.NoError(t, err)
	require.Zero(t, count)
}
