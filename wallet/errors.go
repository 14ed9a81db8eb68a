// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/drivechain-suite/enforcerd/drivechain"
)

// ErrNotUnlocked describes the accepted condition of the wallet not yet
// being unlocked. Callers that can skip their operation treat it as "skip
// this round" rather than a failure.
var ErrNotUnlocked = errors.New("enforcer wallet not unlocked")

// PersistError describes a failure while committing ledger changes to the
// database. It is reported distinctly from connectivity failures so that a
// disk fault is never mistaken for a flaky backend.
type PersistError struct {
	Err error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	return fmt.Sprintf("unable to persist wallet ledger: %v", e.Err)
}

// Unwrap returns the underlying database error.
func (e *PersistError) Unwrap() error {
	return e.Err
}

// BlockGapError is returned when a connected block does not extend the
// ledger's checkpoint chain. This indicates an unhandled reorganization and
// is a hard error, never a retryable condition.
type BlockGapError struct {
	Height    int32
	TipHeight int32
}

// Error implements the error interface.
func (e *BlockGapError) Error() string {
	return fmt.Sprintf("block at height %d does not extend checkpoint "+
		"tip at height %d", e.Height, e.TipHeight)
}

// ReorgError is returned when a connected block extends the checkpoint
// chain by height but does not reference the current tip hash.
type ReorgError struct {
	Height   int32
	PrevHash chainhash.Hash
	TipHash  chainhash.Hash
}

// Error implements the error interface.
func (e *ReorgError) Error() string {
	return fmt.Sprintf("block at height %d builds on %v, checkpoint tip "+
		"is %v", e.Height, e.PrevHash, e.TipHash)
}

// MissingCtipError is returned when an operation requires the current
// treasury output of a sidechain but none has been observed yet.
type MissingCtipError struct {
	Sidechain drivechain.SidechainNumber
}

// Error implements the error interface.
func (e *MissingCtipError) Error() string {
	return fmt.Sprintf("missing ctip for sidechain %v", e.Sidechain)
}
