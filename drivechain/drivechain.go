// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package drivechain provides the BIP300/301 domain types shared by the
// enforcer wallet, the mempool sync task and the RPC surface: sidechain
// numbers, withdrawal bundle (M6) identifiers and events, per-block
// sidechain activity summaries, and the script forms used to recognize
// deposits and validate withdrawal bundles.
package drivechain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SidechainNumber identifies a sidechain slot. BIP300 allows at most 256
// active sidechains, so a single byte is sufficient.
type SidechainNumber uint8

// String returns the decimal form used in logs and RPC responses.
func (n SidechainNumber) String() string {
	return fmt.Sprintf("%d", n)
}

// BundleID is the identifier of a withdrawal bundle (M6) proposal, unique
// within its sidechain. It is the double-SHA256 hash of the blinded bundle
// transaction.
type BundleID = chainhash.Hash

// ProposalID identifies a sidechain proposal (M1).
type ProposalID = chainhash.Hash

// WithdrawalBundleEventKind describes the on-chain outcome recorded for a
// previously proposed withdrawal bundle.
type WithdrawalBundleEventKind uint8

const (
	// BundleSubmitted indicates the bundle was acknowledged on-chain.
	// It is informational only and never finalizes the bundle.
	BundleSubmitted WithdrawalBundleEventKind = iota

	// BundleFailed indicates the bundle expired or was voted down.
	BundleFailed

	// BundleSucceeded indicates the bundle paid out.
	BundleSucceeded
)

// String returns a human readable identifier for the event kind.
func (k WithdrawalBundleEventKind) String() string {
	switch k {
	case BundleSubmitted:
		return "submitted"
	case BundleFailed:
		return "failed"
	case BundleSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// Finalized reports whether the event resolves the bundle, meaning any
// locally tracked proposal for it can be discarded.
func (k WithdrawalBundleEventKind) Finalized() bool {
	return k == BundleFailed || k == BundleSucceeded
}

// WithdrawalBundleEvent is a single bundle outcome derived from a connected
// block by the validation engine.
type WithdrawalBundleEvent struct {
	Sidechain SidechainNumber
	Bundle    BundleID
	Kind      WithdrawalBundleEventKind

	// SequenceNumber is only meaningful for BundleSucceeded events.
	SequenceNumber uint64
}

// SidechainProposal is an M1 sidechain activation proposal observed in a
// block's coinbase.
type SidechainProposal struct {
	Sidechain   SidechainNumber
	Description []byte
}

// ID returns the proposal identifier, committing to both the slot and the
// proposal description.
func (p *SidechainProposal) ID() ProposalID {
	buf := make([]byte, 0, 1+len(p.Description))
	buf = append(buf, byte(p.Sidechain))
	buf = append(buf, p.Description...)
	return chainhash.DoubleHashH(buf)
}

// BlockInfo summarizes the sidechain-relevant activity of one connected
// block, as reported by the validation engine.
type BlockInfo struct {
	BundleEvents       []WithdrawalBundleEvent
	SidechainProposals []SidechainProposal
}

// FinalizedBundles returns the (sidechain, bundle) pairs resolved by this
// block. Submitted events are skipped.
func (bi *BlockInfo) FinalizedBundles() []BundleKey {
	var keys []BundleKey
	for _, event := range bi.BundleEvents {
		if !event.Kind.Finalized() {
			continue
		}
		keys = append(keys, BundleKey{
			Sidechain: event.Sidechain,
			Bundle:    event.Bundle,
		})
	}
	return keys
}

// ConfirmedProposalIDs returns the ids of all sidechain proposals confirmed
// by this block.
func (bi *BlockInfo) ConfirmedProposalIDs() []ProposalID {
	ids := make([]ProposalID, 0, len(bi.SidechainProposals))
	for i := range bi.SidechainProposals {
		ids = append(ids, bi.SidechainProposals[i].ID())
	}
	return ids
}

// BundleKey is the composite key tracking a withdrawal bundle proposal.
type BundleKey struct {
	Sidechain SidechainNumber
	Bundle    BundleID
}

// OpDrivechain is the opcode marking a sidechain treasury output. BIP300
// redefines OP_NOP5 for this purpose.
const OpDrivechain = txscript.OP_NOP5

// ErrNotDrivechainScript is returned when a script is not of the treasury
// output form OP_DRIVECHAIN OP_PUSHBYTES_1 <n> OP_TRUE.
var ErrNotDrivechainScript = errors.New("script is not an OP_DRIVECHAIN treasury script")

// ParseDepositScript extracts the sidechain number from a treasury output
// script. The expected form is exactly four bytes:
// OP_DRIVECHAIN OP_PUSHBYTES_1 <sidechain> OP_TRUE.
func ParseDepositScript(script []byte) (SidechainNumber, error) {
	if len(script) != 4 ||
		script[0] != OpDrivechain ||
		script[1] != txscript.OP_DATA_1 ||
		script[3] != txscript.OP_TRUE {

		return 0, ErrNotDrivechainScript
	}
	return SidechainNumber(script[2]), nil
}

// DepositScript returns the treasury output script for the given sidechain.
func DepositScript(n SidechainNumber) []byte {
	return []byte{OpDrivechain, txscript.OP_DATA_1, byte(n), txscript.OP_TRUE}
}

// feeCommitmentLen is the pushed payload length of a blinded bundle's fee
// commitment output: a big-endian uint64 fee amount in satoshis.
const feeCommitmentLen = 8

// BundleError describes a structurally invalid withdrawal bundle
// transaction. It is a client-input error, distinct from internal service
// failures.
type BundleError struct {
	Reason string
}

// Error implements the error interface.
func (e *BundleError) Error() string {
	return "invalid withdrawal bundle: " + e.Reason
}

func bundleErrorf(format string, args ...interface{}) error {
	return &BundleError{Reason: fmt.Sprintf(format, args...)}
}

// WithdrawalBundle is a validated blinded withdrawal bundle (M6)
// transaction together with its derived id.
type WithdrawalBundle struct {
	Sidechain SidechainNumber
	Tx        *wire.MsgTx
	Fee       uint64
}

// ID returns the bundle id, the double-SHA256 hash of the blinded
// transaction.
func (b *WithdrawalBundle) ID() BundleID {
	return b.Tx.TxHash()
}

// ParseWithdrawalBundle validates that tx is a well-formed blinded
// withdrawal bundle for the given sidechain. The first output must be a
// zero-value OP_RETURN committing to the bundle fee, and at least one
// withdrawal payout output must follow.
func ParseWithdrawalBundle(sidechain SidechainNumber,
	tx *wire.MsgTx) (*WithdrawalBundle, error) {

	if len(tx.TxOut) < 2 {
		return nil, bundleErrorf("expected at least 2 outputs, got %d",
			len(tx.TxOut))
	}

	commitment := tx.TxOut[0]
	if commitment.Value != 0 {
		return nil, bundleErrorf("fee commitment output carries "+
			"non-zero value %d", commitment.Value)
	}
	script := commitment.PkScript
	if len(script) != 2+feeCommitmentLen ||
		script[0] != txscript.OP_RETURN ||
		script[1] != txscript.OP_DATA_8 {

		return nil, bundleErrorf("first output is not an 8-byte " +
			"OP_RETURN fee commitment")
	}
	fee := binary.BigEndian.Uint64(script[2:])

	// Every payout output must carry value, otherwise the bundle would
	// create unspendable dust that can never be matched against pending
	// withdrawals.
	for i, txOut := range tx.TxOut[1:] {
		if txOut.Value <= 0 {
			return nil, bundleErrorf("payout output %d has "+
				"non-positive value %d", i+1, txOut.Value)
		}
	}

	return &WithdrawalBundle{
		Sidechain: sidechain,
		Tx:        tx,
		Fee:       fee,
	}, nil
}
