// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"errors"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/drivechain-suite/enforcerd/drivechain"
	"github.com/drivechain-suite/enforcerd/wallet"
)

// Error types to simplify the reporting of specific categories of
// errors, and their *btcjson.RPCError creation.
type (
	// DeserializationError describes a failed deserialization due to bad
	// user input.  It corresponds to btcjson.ErrRPCDeserialization.
	DeserializationError struct {
		error
	}

	// InvalidParameterError describes an invalid parameter passed by
	// the user.  It corresponds to btcjson.ErrRPCInvalidParameter.
	InvalidParameterError struct {
		error
	}
)

// Errors variables that are defined once here to avoid duplication below.
var (
	ErrNeedSidechainNumber = InvalidParameterError{
		errors.New("sidechain number must be between 0 and 255"),
	}

	ErrNoCtip = btcjson.RPCError{
		Code:    btcjson.ErrRPCNoTxInfo,
		Message: "no treasury outpoint known for sidechain",
	}
)

// jsonError creates a JSON-RPC error from the Go error e.  Client-input
// errors map to parameter or deserialization codes so that a caller can
// distinguish its own mistakes from server faults.
func jsonError(e error) *btcjson.RPCError {
	if e == nil {
		return nil
	}

	var code btcjson.RPCErrorCode
	var bundleErr *drivechain.BundleError
	var ctipErr *wallet.MissingCtipError
	switch {
	case errors.As(e, &bundleErr):
		code = btcjson.ErrRPCInvalidParameter
	case errors.As(e, &ctipErr):
		code = ErrNoCtip.Code
	default:
		switch e.(type) {
		case DeserializationError:
			code = btcjson.ErrRPCDeserialization
		case InvalidParameterError:
			code = btcjson.ErrRPCInvalidParameter
		default:
			code = btcjson.ErrRPCInternal.Code
		}
	}
	return &btcjson.RPCError{
		Code:    code,
		Message: e.Error(),
	}
}
