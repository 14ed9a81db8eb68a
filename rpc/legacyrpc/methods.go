// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/drivechain-suite/enforcerd/drivechain"
)

// requestHandler is a handler function to handle an unmarshaled and parsed
// request into a marshalable response.  If the error is a *btcjson.RPCError
// or any of the above special error classes, the server will respond with
// the appropriate JSON-RPC error code.  All other errors use the internal
// error code.
type requestHandler func(*Server, []json.RawMessage) (interface{}, error)

var rpcHandlers = map[string]requestHandler{
	"ping":                          ping,
	"getctip":                       getCtip,
	"listsidechaindeposits":         listSidechainDeposits,
	"listwithdrawalbundleproposals": listWithdrawalBundleProposals,
	"submitwithdrawalbundle":        submitWithdrawalBundle,
}

// unmarshalSidechainNumber parses a sidechain number parameter, rejecting
// values outside the 8-bit slot range.
func unmarshalSidechainNumber(param json.RawMessage) (drivechain.SidechainNumber, error) {
	var n uint16
	if err := json.Unmarshal(param, &n); err != nil {
		return 0, InvalidParameterError{err}
	}
	if n > 255 {
		return 0, ErrNeedSidechainNumber
	}
	return drivechain.SidechainNumber(n), nil
}

// ping responds with an empty result, confirming the server is reachable
// and serving requests.
func ping(s *Server, params []json.RawMessage) (interface{}, error) {
	return nil, nil
}

// GetCtipResult models the getctip response.
type GetCtipResult struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// getCtip returns the current treasury outpoint of a sidechain.
func getCtip(s *Server, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, InvalidParameterError{
			fmt.Errorf("expected 1 parameter, got %d", len(params)),
		}
	}
	sidechain, err := unmarshalSidechainNumber(params[0])
	if err != nil {
		return nil, err
	}

	ctip, err := s.wallet.Ctip(sidechain)
	if err != nil {
		return nil, err
	}
	return &GetCtipResult{
		TxID: ctip.Hash.String(),
		Vout: ctip.Index,
	}, nil
}

// SidechainDepositResult models one entry of the listsidechaindeposits
// response.
type SidechainDepositResult struct {
	TxID            string  `json:"txid"`
	SidechainNumber uint8   `json:"sidechainnumber"`
	Amount          float64 `json:"amount"`
	TotalReceived   float64 `json:"totalreceived"`
	TotalSent       float64 `json:"totalsent"`
	Fee             float64 `json:"fee,omitempty"`
	Confirmations   int32   `json:"confirmations"`
	BlockHash       string  `json:"blockhash,omitempty"`
	BlockHeight     int32   `json:"blockheight,omitempty"`
}

// listSidechainDeposits lists the wallet's tracked deposit transactions,
// optionally filtered to one sidechain.  A transaction qualifies as a
// deposit when its first output pays to a sidechain treasury script.
func listSidechainDeposits(s *Server, params []json.RawMessage) (interface{}, error) {
	var filter *drivechain.SidechainNumber
	switch len(params) {
	case 0:
	case 1:
		sidechain, err := unmarshalSidechainNumber(params[0])
		if err != nil {
			return nil, err
		}
		filter = &sidechain
	default:
		return nil, InvalidParameterError{
			fmt.Errorf("expected at most 1 parameter, got %d",
				len(params)),
		}
	}

	tipHeight := int32(0)
	if tip, ok := s.wallet.CheckpointTip(); ok {
		tipHeight = tip.Height
	}

	records := s.wallet.Transactions()
	byID := make(map[chainhash.Hash]*wire.MsgTx, len(records))
	for i := range records {
		byID[records[i].TxID] = records[i].Tx
	}

	results := make([]SidechainDepositResult, 0)
	for _, rec := range records {
		if len(rec.Tx.TxOut) == 0 {
			continue
		}
		sidechain, err := drivechain.ParseDepositScript(
			rec.Tx.TxOut[0].PkScript,
		)
		if err != nil {
			// Not a deposit.
			continue
		}
		if filter != nil && sidechain != *filter {
			continue
		}

		res := SidechainDepositResult{
			TxID:            rec.TxID.String(),
			SidechainNumber: uint8(sidechain),
			Amount:          btcutil.Amount(rec.Tx.TxOut[0].Value).ToBTC(),
		}
		res.TotalReceived, res.TotalSent, res.Fee = depositAmounts(
			rec.Tx, byID,
		)
		if conf := rec.Confirmation; conf != nil {
			// The checkpoint ledger may trail the sync source, so
			// the tip can sit below a record's confirmation height.
			res.Confirmations = tipHeight - conf.Height + 1
			if res.Confirmations < 0 {
				res.Confirmations = 0
			}
			res.BlockHash = conf.BlockHash.String()
			res.BlockHeight = conf.Height
		}
		results = append(results, res)
	}
	return results, nil
}

// depositAmounts sums what a deposit pays into treasury outputs and what it
// spends out of tracked ones.  The fee is only known when every input
// resolves against a tracked transaction, which holds for a deposit
// spending the previous treasury output; it is zero otherwise.
func depositAmounts(tx *wire.MsgTx,
	byID map[chainhash.Hash]*wire.MsgTx) (float64, float64, float64) {

	var received, sent, totalIn, totalOut int64
	for _, out := range tx.TxOut {
		totalOut += out.Value
		if _, err := drivechain.ParseDepositScript(out.PkScript); err == nil {
			received += out.Value
		}
	}

	resolved := true
	for _, in := range tx.TxIn {
		prev, ok := byID[in.PreviousOutPoint.Hash]
		if !ok || in.PreviousOutPoint.Index >= uint32(len(prev.TxOut)) {
			resolved = false
			continue
		}
		prevOut := prev.TxOut[in.PreviousOutPoint.Index]
		totalIn += prevOut.Value
		if _, err := drivechain.ParseDepositScript(prevOut.PkScript); err == nil {
			sent += prevOut.Value
		}
	}

	var fee int64
	if resolved && totalIn >= totalOut {
		fee = totalIn - totalOut
	}
	return btcutil.Amount(received).ToBTC(),
		btcutil.Amount(sent).ToBTC(),
		btcutil.Amount(fee).ToBTC()
}

// WithdrawalBundleProposalResult models one entry of the
// listwithdrawalbundleproposals response.
type WithdrawalBundleProposalResult struct {
	M6ID    string `json:"m6id"`
	FeeSats uint64 `json:"feesats"`
}

// listWithdrawalBundleProposals lists the pending withdrawal bundle
// proposals recorded for a sidechain.
func listWithdrawalBundleProposals(s *Server, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, InvalidParameterError{
			fmt.Errorf("expected 1 parameter, got %d", len(params)),
		}
	}
	sidechain, err := unmarshalSidechainNumber(params[0])
	if err != nil {
		return nil, err
	}

	proposals, err := s.wallet.PendingBundleProposals(sidechain)
	if err != nil {
		return nil, err
	}

	results := make([]WithdrawalBundleProposalResult, 0, len(proposals))
	for _, proposal := range proposals {
		results = append(results, WithdrawalBundleProposalResult{
			M6ID:    proposal.Bundle.String(),
			FeeSats: proposal.Fee,
		})
	}
	return results, nil
}

// submitWithdrawalBundle validates a hex-encoded withdrawal bundle
// transaction for a sidechain and records it as a pending proposal.  The
// result is the bundle's m6id.  A transaction that does not deserialize or
// does not have the withdrawal bundle shape is rejected without recording
// anything.
func submitWithdrawalBundle(s *Server, params []json.RawMessage) (interface{}, error) {
	if len(params) != 2 {
		return nil, InvalidParameterError{
			fmt.Errorf("expected 2 parameters, got %d", len(params)),
		}
	}
	sidechain, err := unmarshalSidechainNumber(params[0])
	if err != nil {
		return nil, err
	}
	var txHex string
	if err := json.Unmarshal(params[1], &txHex); err != nil {
		return nil, InvalidParameterError{err}
	}

	serializedTx, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, DeserializationError{
			fmt.Errorf("bad transaction hex: %w", err),
		}
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(serializedTx)); err != nil {
		return nil, DeserializationError{
			fmt.Errorf("unable to deserialize transaction: %w", err),
		}
	}

	bundle, err := drivechain.ParseWithdrawalBundle(sidechain, &tx)
	if err != nil {
		return nil, err
	}

	m6id, err := s.wallet.PutWithdrawalBundle(bundle)
	if err != nil {
		return nil, err
	}
	return m6id.String(), nil
}
