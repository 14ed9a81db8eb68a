// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"

	"github.com/drivechain-suite/enforcerd/netparams"
)

func TestMain(m *testing.M) {
	// The backend logger writes through the log rotator, which is never
	// initialized in tests.
	log = btclog.Disabled

	os.Exit(m.Run())
}

// warmupNode fails the first warmupFailures readiness probes with the
// RPC_IN_WARMUP error code.
type warmupNode struct {
	warmupFailures int
	calls          int
}

func (n *warmupNode) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	n.calls++
	if n.calls <= n.warmupFailures {
		return nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCInWarmup,
			Message: "Loading block index...",
		}
	}
	return &btcjson.GetBlockChainInfoResult{
		Chain:  "signet",
		Blocks: 1234,
	}, nil
}

func TestAwaitNodeReadyRetriesWarmup(t *testing.T) {
	node := &warmupNode{warmupFailures: 3}

	info, err := awaitNodeReady(node)
	require.NoError(t, err)
	require.Equal(t, int32(1234), info.Blocks)

	// Three warm-up responses, then the successful call.
	require.Equal(t, 4, node.calls)
}

func TestAwaitNodeReadyImmediateSuccess(t *testing.T) {
	node := &warmupNode{}

	_, err := awaitNodeReady(node)
	require.NoError(t, err)
	require.Equal(t, 1, node.calls)
}

// brokenNode always fails with a non-warm-up error.
type brokenNode struct {
	calls int
}

func (n *brokenNode) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	n.calls++
	return nil, errors.New("connection refused")
}

func TestAwaitNodeReadyOtherErrorsAreFatal(t *testing.T) {
	node := &brokenNode{}

	_, err := awaitNodeReady(node)
	require.Error(t, err)

	// No retrying on errors other than warm-up.
	require.Equal(t, 1, node.calls)
}

// templateRecorder captures raw requests and answers with a canned block
// template.
type templateRecorder struct {
	method string
	params []json.RawMessage
}

func (r *templateRecorder) RawRequest(method string,
	params []json.RawMessage) (json.RawMessage, error) {

	r.method = method
	r.params = params
	return json.Marshal(&btcjson.GetBlockTemplateResult{Height: 500})
}

func templateRules(t *testing.T, recorder *templateRecorder) []string {
	t.Helper()

	require.Equal(t, "getblocktemplate", recorder.method)
	require.Len(t, recorder.params, 1)

	var request btcjson.TemplateRequest
	require.NoError(t, json.Unmarshal(recorder.params[0], &request))
	return request.Rules
}

func TestCheckBlockTemplateSignetRules(t *testing.T) {
	recorder := &templateRecorder{}
	require.NoError(t, checkBlockTemplate(recorder,
		&netparams.SigNetParams))
	require.Equal(t, []string{"segwit", "signet"},
		templateRules(t, recorder))
}

func TestCheckBlockTemplateMainnetRules(t *testing.T) {
	recorder := &templateRecorder{}
	require.NoError(t, checkBlockTemplate(recorder,
		&netparams.MainNetParams))
	require.Equal(t, []string{"segwit"}, templateRules(t, recorder))
}

func TestNormalizeAddresses(t *testing.T) {
	addrs := normalizeAddresses(
		[]string{"127.0.0.1", "127.0.0.1:9000", "127.0.0.1"}, "8380",
	)
	require.Equal(t, []string{"127.0.0.1:8380", "127.0.0.1:9000"}, addrs)
}
