// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
)

// mockSource is a chain.Source returning canned updates.
type mockSource struct {
	syncCount atomic.Int64
	syncFunc  func(*chain.SyncRequest) (*chain.SourceUpdate, error)
}

func (m *mockSource) BackEnd() string { return "mock" }

func (m *mockSource) Sync(req *chain.SyncRequest) (*chain.SourceUpdate, error) {
	m.syncCount.Add(1)
	if m.syncFunc != nil {
		return m.syncFunc(req)
	}
	return &chain.SourceUpdate{}, nil
}

func openTestWallet(t *testing.T, source chain.Source) *Wallet {
	t.Helper()

	w, err := Open(&Config{
		DataDir:         t.TempDir(),
		Source:          source,
		WatchSidechains: []drivechain.SidechainNumber{3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSyncSkipsLockedWallet(t *testing.T) {
	source := &mockSource{}
	w := openTestWallet(t, source)

	before := w.LastSync()

	// The wallet starts locked; a sync round is a silent no-op.
	require.NoError(t, w.Sync())
	require.Equal(t, before, w.LastSync())
	require.Zero(t, source.syncCount.Load())

	session, err := w.SyncLock()
	require.NoError(t, err)
	require.True(t, session.IsNone())
}

func TestSyncCommitAdvancesLastSync(t *testing.T) {
	deposit := depositTx(3, 7000, 1)
	source := &mockSource{
		syncFunc: func(*chain.SyncRequest) (*chain.SourceUpdate, error) {
			return &chain.SourceUpdate{
				Txs: []chain.TxUpdate{
					{TxID: deposit.TxHash(), Tx: deposit},
				},
				Tip: chain.BlockStamp{Height: 50},
			}, nil
		},
	}
	w := openTestWallet(t, source)
	w.Unlock()

	before := w.LastSync()
	require.NoError(t, w.Sync())

	require.True(t, w.LastSync().After(before))
	require.Len(t, w.Transactions(), 1)
	require.Equal(t, int64(1), source.syncCount.Load())
}

func TestSyncSourceErrorLeavesTimestamp(t *testing.T) {
	wantErr := &chain.SourceError{
		BackEnd: "mock",
		Err:     errors.New("connection refused"),
	}
	source := &mockSource{
		syncFunc: func(*chain.SyncRequest) (*chain.SourceUpdate, error) {
			return nil, wantErr
		},
	}
	w := openTestWallet(t, source)
	w.Unlock()

	before := w.LastSync()
	err := w.Sync()

	var sourceErr *chain.SourceError
	require.ErrorAs(t, err, &sourceErr)
	require.Equal(t, before, w.LastSync())
}

func TestSyncDiscardLeavesTimestamp(t *testing.T) {
	source := &mockSource{}
	w := openTestWallet(t, source)
	w.Unlock()

	before := w.LastSync()
	session, err := w.SyncLock()
	require.NoError(t, err)
	require.False(t, session.IsNone())

	session.UnwrapOr(nil).Discard()
	require.Equal(t, before, w.LastSync())

	// The wallet must be usable again after a discard.
	require.NoError(t, w.Sync())
	require.True(t, w.LastSync().After(before))
}

func TestHandleConnectBlockRequiresUnlock(t *testing.T) {
	w := openTestWallet(t, &mockSource{})

	block := makeBlock(chainhash.Hash{}, irrelevantTx(1))
	err := w.HandleConnectBlock(block, 100, nil)
	require.ErrorIs(t, err, ErrNotUnlocked)
}

func TestHandleConnectBlockDeletesFinalized(t *testing.T) {
	w := openTestWallet(t, &mockSource{})
	w.Unlock()

	keep := testBundle(t, 3, 1)
	finalized := testBundle(t, 3, 2)
	_, err := w.PutWithdrawalBundle(keep)
	require.NoError(t, err)
	_, err = w.PutWithdrawalBundle(finalized)
	require.NoError(t, err)

	info := &drivechain.BlockInfo{
		BundleEvents: []drivechain.WithdrawalBundleEvent{
			{
				Sidechain: 3,
				Bundle:    finalized.ID(),
				Kind:      drivechain.BundleSucceeded,
			},
			// Submitted events never finalize anything.
			{
				Sidechain: 3,
				Bundle:    keep.ID(),
				Kind:      drivechain.BundleSubmitted,
			},
		},
	}

	block := makeBlock(chainhash.Hash{}, depositTx(3, 5000, 9))
	require.NoError(t, w.HandleConnectBlock(block, 100, info))

	pending, err := w.PendingBundleProposals(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, keep.ID(), pending[0].Bundle)

	// A later block replaying the same events must be a no-op.
	next := makeBlock(block.BlockHash(), irrelevantTx(10))
	require.NoError(t, w.HandleConnectBlock(next, 101, info))
	pending, err = w.PendingBundleProposals(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestHandleConnectBlockRejectsGap(t *testing.T) {
	w := openTestWallet(t, &mockSource{})
	w.Unlock()

	b1 := makeBlock(chainhash.Hash{}, irrelevantTx(1))
	require.NoError(t, w.HandleConnectBlock(b1, 100, nil))

	b3 := makeBlock(b1.BlockHash(), irrelevantTx(2))
	err := w.HandleConnectBlock(b3, 102, nil)

	var gapErr *BlockGapError
	require.ErrorAs(t, err, &gapErr)
}

// TestSyncAndConnectBlockInterleave drives periodic syncs and block
// connections concurrently.  The ordered lock hierarchy must keep the two
// paths from deadlocking or corrupting the ledger.
func TestSyncAndConnectBlockInterleave(t *testing.T) {
	const numBlocks = 25

	source := &mockSource{
		syncFunc: func(*chain.SyncRequest) (*chain.SourceUpdate, error) {
			return &chain.SourceUpdate{}, nil
		},
	}
	w := openTestWallet(t, source)
	w.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numBlocks*2; i++ {
			if err := w.Sync(); err != nil {
				t.Errorf("sync: %v", err)
				return
			}
		}
	}()

	prev := chainhash.Hash{}
	for height := int32(1); height <= numBlocks; height++ {
		block := makeBlock(prev, depositTx(3, 1000, uint32(height)))
		require.NoError(t, w.HandleConnectBlock(block, height, nil))
		prev = block.BlockHash()
	}
	wg.Wait()

	tip, ok := w.CheckpointTip()
	require.True(t, ok)
	require.Equal(t, int32(numBlocks), tip.Height)
	require.Len(t, w.Transactions(), numBlocks)
}

func TestCloseReleasesBothHandles(t *testing.T) {
	w := openTestWallet(t, &mockSource{})

	require.NoError(t, w.Close())

	// Both database handles must be gone after Close.
	err := walletdb.View(w.db, func(walletdb.ReadTx) error { return nil })
	require.Error(t, err)
	_, err = w.bundles.PendingProposals(3)
	require.Error(t, err)
}
