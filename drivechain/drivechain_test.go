// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drivechain

import (
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// feeCommitmentScript builds the blinded bundle's first output script
// committing to the given fee.
func feeCommitmentScript(fee uint64) []byte {
	script := make([]byte, 2+feeCommitmentLen)
	script[0] = txscript.OP_RETURN
	script[1] = txscript.OP_DATA_8
	binary.BigEndian.PutUint64(script[2:], fee)
	return script
}

// validBundleTx returns a minimal well-formed blinded withdrawal bundle
// transaction.
func validBundleTx(fee uint64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
	})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: feeCommitmentScript(fee)})
	tx.AddTxOut(&wire.TxOut{Value: 50_000, PkScript: []byte{txscript.OP_TRUE}})
	return tx
}

func TestParseDepositScript(t *testing.T) {
	script := DepositScript(13)
	n, err := ParseDepositScript(script)
	require.NoError(t, err)
	require.Equal(t, SidechainNumber(13), n)
}

func TestParseDepositScriptRejectsNonTreasury(t *testing.T) {
	tests := []struct {
		name   string
		script []byte
	}{
		{"empty", nil},
		{"too short", []byte{OpDrivechain, txscript.OP_DATA_1, 1}},
		{"too long", append(DepositScript(1), txscript.OP_TRUE)},
		{"wrong marker", []byte{
			txscript.OP_NOP4, txscript.OP_DATA_1, 1, txscript.OP_TRUE,
		}},
		{"wrong push", []byte{
			OpDrivechain, txscript.OP_DATA_2, 1, txscript.OP_TRUE,
		}},
		{"missing op_true", []byte{
			OpDrivechain, txscript.OP_DATA_1, 1, txscript.OP_FALSE,
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseDepositScript(test.script)
			require.ErrorIs(t, err, ErrNotDrivechainScript)
		})
	}
}

func TestParseWithdrawalBundle(t *testing.T) {
	tx := validBundleTx(12_345)
	bundle, err := ParseWithdrawalBundle(5, tx)
	require.NoError(t, err)
	require.Equal(t, SidechainNumber(5), bundle.Sidechain)
	require.Equal(t, uint64(12_345), bundle.Fee)
	require.Equal(t, tx.TxHash(), bundle.ID())
}

func TestParseWithdrawalBundleRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wire.MsgTx)
	}{
		{"single output", func(tx *wire.MsgTx) {
			tx.TxOut = tx.TxOut[:1]
		}},
		{"valued commitment", func(tx *wire.MsgTx) {
			tx.TxOut[0].Value = 1
		}},
		{"short commitment push", func(tx *wire.MsgTx) {
			tx.TxOut[0].PkScript = []byte{
				txscript.OP_RETURN, txscript.OP_DATA_4, 0, 0, 0, 0,
			}
		}},
		{"not op_return", func(tx *wire.MsgTx) {
			tx.TxOut[0].PkScript[0] = txscript.OP_TRUE
		}},
		{"zero value payout", func(tx *wire.MsgTx) {
			tx.TxOut[1].Value = 0
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tx := validBundleTx(100)
			test.mutate(tx)

			_, err := ParseWithdrawalBundle(5, tx)
			var bundleErr *BundleError
			require.ErrorAs(t, err, &bundleErr)
		})
	}
}

func TestEventKindFinalized(t *testing.T) {
	require.False(t, BundleSubmitted.Finalized())
	require.True(t, BundleFailed.Finalized())
	require.True(t, BundleSucceeded.Finalized())
}

func TestBlockInfoFinalizedBundles(t *testing.T) {
	var idA, idB, idC BundleID
	idA[0], idB[0], idC[0] = 0xa, 0xb, 0xc

	info := &BlockInfo{
		BundleEvents: []WithdrawalBundleEvent{
			{Sidechain: 1, Bundle: idA, Kind: BundleSubmitted},
			{Sidechain: 1, Bundle: idB, Kind: BundleFailed},
			{Sidechain: 2, Bundle: idC, Kind: BundleSucceeded},
		},
	}

	keys := info.FinalizedBundles()
	require.Equal(t, []BundleKey{
		{Sidechain: 1, Bundle: idB},
		{Sidechain: 2, Bundle: idC},
	}, keys)
}

func TestSidechainProposalID(t *testing.T) {
	a := &SidechainProposal{Sidechain: 1, Description: []byte("alpha")}
	b := &SidechainProposal{Sidechain: 2, Description: []byte("alpha")}

	// The id commits to the slot, so the same description on different
	// slots must not collide.
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), a.ID())
}
