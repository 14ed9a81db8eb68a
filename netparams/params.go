// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params
	NodeRPCPort string
	RPCPort     string
}

// MainNetParams contains parameters specific to running enforcerd against
// a main network node (wire.MainNet).
var MainNetParams = Params{
	Params:      &chaincfg.MainNetParams,
	NodeRPCPort: "8332",
	RPCPort:     "8380",
}

// TestNet3Params contains parameters specific to running enforcerd against
// a test network (version 3) node (wire.TestNet3).
var TestNet3Params = Params{
	Params:      &chaincfg.TestNet3Params,
	NodeRPCPort: "18332",
	RPCPort:     "18380",
}

// SigNetParams contains parameters specific to running enforcerd against a
// signet node.  Drivechain deployments typically run on a custom signet.
var SigNetParams = Params{
	Params:      &chaincfg.SigNetParams,
	NodeRPCPort: "38332",
	RPCPort:     "38380",
}

// RegressionNetParams contains parameters specific to running enforcerd
// against a regression test node.
var RegressionNetParams = Params{
	Params:      &chaincfg.RegressionNetParams,
	NodeRPCPort: "18443",
	RPCPort:     "18480",
}
