// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
	"github.com/drivechain-suite/enforcerd/internal/oneshot"
	"github.com/drivechain-suite/enforcerd/mempool"
	"github.com/drivechain-suite/enforcerd/netparams"
	"github.com/drivechain-suite/enforcerd/rpc/legacyrpc"
	"github.com/drivechain-suite/enforcerd/wallet"
)

const (
	// warmupRetryDelay is how long to wait between node readiness probes
	// while bitcoind reports it is still warming up.
	warmupRetryDelay = 250 * time.Millisecond

	// warmupMaxRetries bounds the readiness probing so a node that never
	// leaves warm-up does not stall startup forever.
	warmupMaxRetries = 2400
)

var (
	cfg       *config
	activeNet = &netparams.MainNetParams
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := enforcerMain(); err != nil {
		os.Exit(1)
	}
}

// enforcerMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func enforcerMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Connect the node RPC client and wait out bitcoind's warm-up phase
	// before anything tries to use the connection.
	client, err := connectNodeRPC(cfg)
	if err != nil {
		log.Errorf("Unable to create node RPC client: %v", err)
		return err
	}
	defer client.Shutdown()

	info, err := awaitNodeReady(client)
	if err != nil {
		log.Errorf("Node is not available: %v", err)
		return err
	}
	log.Infof("Connected to bitcoind on %s at height %d (%d %s behind)",
		info.Chain, info.Blocks, info.Headers-info.Blocks,
		pickNoun(int(info.Headers-info.Blocks), "header", "headers"))

	if netInfo, err := client.GetNetworkInfo(); err != nil {
		log.Warnf("Unable to query node network info: %v", err)
	} else {
		log.Debugf("Node reports %s (protocol %d)",
			netInfo.SubVersion, netInfo.ProtocolVersion)
	}

	// Request a sample block template so a misconfigured network (in
	// particular missing signet rules) surfaces at startup rather than
	// when a template is first needed.
	if err := checkBlockTemplate(client, activeNet); err != nil {
		log.Warnf("Unable to fetch a block template: %v", err)
	}
	if cfg.rewardAddress != nil {
		log.Infof("Using mining reward address %v", cfg.rewardAddress)
	}

	source, err := buildChainSource(cfg, client)
	if err != nil {
		log.Errorf("Unable to create chain source: %v", err)
		return err
	}

	w, err := wallet.Open(&wallet.Config{
		DataDir:         cfg.DataDir,
		Source:          source,
		WatchSidechains: cfg.watchSidechains,
	})
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}

	// The daemon runs non-interactively, so the wallet is unlocked for
	// the lifetime of the process.
	w.Unlock()

	listeners, err := makeListeners(cfg.RPCListeners)
	if err != nil {
		log.Errorf("Unable to create RPC listeners: %v", err)
		w.Close()
		return err
	}
	server := legacyrpc.NewServer(&legacyrpc.Options{
		Username:       cfg.Username,
		Password:       cfg.Password,
		MaxPOSTClients: cfg.RPCMaxClients,
	}, w, listeners)

	// Spawn the long-running tasks.  Each task owns a single-shot error
	// channel; whichever fault arrives first wins the shutdown race
	// below, and later faults are dropped by the channels themselves.
	quit := make(chan struct{})
	syncErr := oneshot.NewErr()
	go syncLoop(w, cfg.SyncInterval, syncErr, quit)

	mempoolErr := oneshot.NewErr()
	if cfg.ZMQSequence != "" {
		go mempool.Run(&mempool.Config{
			Enforcer:     w,
			Validator:    passiveBlockInfo{},
			Client:       client,
			SequenceAddr: cfg.ZMQSequence,
			ErrChan:      mempoolErr,
			OnSynced: func(s *mempool.Sync) {
				<-quit
				s.Stop()
			},
		})
	} else {
		log.Info("ZMQ sequence address unset, mempool sync disabled")
	}

	addInterruptHandler(func() { close(quit) })
	addInterruptHandler(server.Stop)

	// Race task faults against a client shutdown request and an
	// interrupt.  Whatever fires first, the process shuts down.
	var fatalErr error
	select {
	case fatalErr = <-syncErr.Recv():
		log.Errorf("Wallet sync task error: %v", fatalErr)
		simulateInterrupt()
	case fatalErr = <-mempoolErr.Recv():
		log.Errorf("Mempool task error: %v", fatalErr)
		simulateInterrupt()
	case fatalErr = <-server.Err():
		log.Errorf("RPC server error: %v", fatalErr)
		simulateInterrupt()
	case <-server.RequestProcessShutdown():
		log.Info("Stop requested over RPC")
		simulateInterrupt()
	case <-interruptHandlersDone:
	}

	<-interruptHandlersDone
	if err := w.Close(); err != nil {
		log.Errorf("Unable to close wallet cleanly: %v", err)
	}
	log.Info("Shutdown complete")
	return fatalErr
}

// connectNodeRPC sets up an HTTP POST mode RPC client for the configured
// bitcoind node.
func connectNodeRPC(cfg *config) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCConnect,
		User:         cfg.NodeUsername,
		Pass:         cfg.NodePassword,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
}

// nodeInfoClient is the part of the node RPC client used to probe node
// readiness.
type nodeInfoClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)
}

// awaitNodeReady blocks until the node answers getblockchaininfo.  A node
// that is still loading its block index answers every call with the
// RPC_IN_WARMUP error code; that is expected right after bitcoind starts,
// so the probe retries on a fixed delay instead of failing.  Any other
// error, or running out of retries, fails startup.
func awaitNodeReady(client nodeInfoClient) (*btcjson.GetBlockChainInfoResult, error) {
	for attempt := 0; ; attempt++ {
		info, err := client.GetBlockChainInfo()
		if err == nil {
			return info, nil
		}

		var rpcErr *btcjson.RPCError
		if !errors.As(err, &rpcErr) ||
			rpcErr.Code != btcjson.ErrRPCInWarmup {

			return nil, err
		}
		if attempt >= warmupMaxRetries {
			return nil, fmt.Errorf("node still warming up after "+
				"%d attempts: %w", attempt, err)
		}
		if attempt == 0 {
			log.Infof("Waiting for bitcoind to finish warming up")
		}
		time.Sleep(warmupRetryDelay)
	}
}

// rawRequester issues RPC calls without a convenience wrapper.  It is the
// part of the node RPC client used for methods the client does not model.
type rawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// checkBlockTemplate requests a block template from the node.  Signet
// requires its rule to be named explicitly or the node rejects the request.
func checkBlockTemplate(client rawRequester, net *netparams.Params) error {
	rules := []string{"segwit"}
	if net.Params == netparams.SigNetParams.Params {
		rules = append(rules, "signet")
	}

	request, err := json.Marshal(&btcjson.TemplateRequest{Rules: rules})
	if err != nil {
		return err
	}
	resp, err := client.RawRequest("getblocktemplate",
		[]json.RawMessage{request})
	if err != nil {
		return err
	}

	var template btcjson.GetBlockTemplateResult
	if err := json.Unmarshal(resp, &template); err != nil {
		return err
	}
	log.Debugf("Fetched block template for height %d with %d %s",
		template.Height, len(template.Transactions),
		pickNoun(len(template.Transactions), "transaction",
			"transactions"))
	return nil
}

// buildChainSource constructs the configured chain source.  The backend is
// fixed here for the lifetime of the wallet.
func buildChainSource(cfg *config, client *rpcclient.Client) (chain.Source, error) {
	switch cfg.ChainBackend {
	case chain.BackEndBitcoind:
		batchClient, err := rpcclient.NewBatch(&rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			User:         cfg.NodeUsername,
			Pass:         cfg.NodePassword,
			HTTPPostMode: true,
			DisableTLS:   true,
		})
		if err != nil {
			return nil, err
		}
		return chain.NewBitcoindSource(batchClient, 0), nil

	case chain.BackEndEsplora:
		return chain.NewEsploraSource(cfg.EsploraURL, 0), nil

	default:
		return nil, fmt.Errorf("unknown chain backend %q",
			cfg.ChainBackend)
	}
}

// makeListeners opens a TCP listener for every configured RPC listen
// address.
func makeListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, fmt.Errorf("unable to listen on %s: %w",
				addr, err)
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}

// syncLoop periodically reconciles the wallet against its chain source.
// Source errors are transient by nature (the backend may simply be down for
// a moment) and only logged; persistence errors mean on-disk state can no
// longer be trusted and are fatal.
//
// NOTE: This must be run as a goroutine.
func syncLoop(w *wallet.Wallet, interval time.Duration, errChan *oneshot.Err,
	quit <-chan struct{}) {

	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			err := w.Sync()
			if err == nil {
				continue
			}
			var sourceErr *chain.SourceError
			if errors.As(err, &sourceErr) {
				log.Warnf("Wallet sync failed: %v", err)
				continue
			}
			errChan.Send(fmt.Errorf("wallet sync: %w", err))
			return

		case <-quit:
			return
		}
	}
}

// passiveBlockInfo satisfies mempool.BlockInfoSource when no external
// validation engine is attached.  It reports no withdrawal bundle events or
// confirmed sidechain proposals; deposit tracking still happens inside the
// wallet when the block is applied to the ledger.
type passiveBlockInfo struct{}

func (passiveBlockInfo) BlockInfo(block *wire.MsgBlock,
	height int32) (*drivechain.BlockInfo, error) {

	return &drivechain.BlockInfo{}, nil
}
