package mempool

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/drivechain-suite/enforcerd/drivechain"
	"github.com/drivechain-suite/enforcerd/internal/oneshot"
)

const (
	// defaultProbeTimeout bounds the reachability probe of the sequence
	// notification address. A timeout is treated as "unreachable", not
	// as a distinct error.
	defaultProbeTimeout = 250 * time.Millisecond

	// defaultReadDeadline is the ZMQ read deadline applied to the
	// sequence subscription.
	defaultReadDeadline = 5 * time.Second

	// defaultReconcileInterval is how often the view is re-reconciled
	// against getrawmempool, healing any divergence from missed
	// sequence events.
	defaultReconcileInterval = 5 * time.Minute
)

// RPCClient is the subset of the node RPC interface needed to reconcile
// and follow the mempool. *rpcclient.Client implements it.
type RPCClient interface {
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error)
	GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeaderVerbose(
		blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
}

// Enforcer consumes connected blocks. The wallet implements it; a bare
// validator deployment supplies a wallet-less implementation.
type Enforcer interface {
	HandleConnectBlock(block *wire.MsgBlock, height int32,
		blockInfo *drivechain.BlockInfo) error
}

// BlockInfoSource supplies the per-block sidechain activity summary. It
// stands in for the validation engine collaborator.
type BlockInfoSource interface {
	BlockInfo(block *wire.MsgBlock,
		height int32) (*drivechain.BlockInfo, error)
}

// Config bundles the collaborators of the mempool sync task.
type Config struct {
	Enforcer  Enforcer
	Validator BlockInfoSource
	Client    RPCClient

	// SequenceAddr is the node's ZMQ sequence notification address,
	// e.g. "tcp://127.0.0.1:28332".
	SequenceAddr string

	// ErrChan receives the task's first fatal error. Later faults are
	// dropped by the channel itself.
	ErrChan *oneshot.Err

	// OnSynced is invoked once the initial reconciliation has finished,
	// with a live, continuously updating sync handle. Run returns when
	// OnSynced returns.
	OnSynced func(*Sync)

	// ProbeTimeout, ReadDeadline and ReconcileInterval default when
	// zero.
	ProbeTimeout      time.Duration
	ReadDeadline      time.Duration
	ReconcileInterval time.Duration

	// connect overrides the sequence stream constructor in tests.
	connect func(addr string, readDeadline time.Duration) (SequenceStream, error)
}

// ErrUnreachable is the fatal bootstrap error reported when the sequence
// notification address cannot be reached: a notification feed that never
// becomes reachable must not silently degrade into a stalled sync.
type ErrUnreachable struct {
	Addr string
}

// Error implements the error interface.
func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("zmq sequence address is not reachable: %s", e.Addr)
}

// Run bootstraps mempool synchronization: it probes the notification
// address, performs one blocking reconciliation of the node's mempool,
// and hands a live sync handle to the OnSynced continuation. Any error
// during bootstrap is sent once on the config's error channel and Run
// returns without attempting further work.
//
// Run blocks until OnSynced returns and is intended to be spawned as a
// goroutine by the task supervisor.
func Run(cfg *Config) {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = defaultProbeTimeout
	}
	readDeadline := cfg.ReadDeadline
	if readDeadline == 0 {
		readDeadline = defaultReadDeadline
	}
	reconcileInterval := cfg.ReconcileInterval
	if reconcileInterval == 0 {
		reconcileInterval = defaultReconcileInterval
	}
	connect := cfg.connect
	if connect == nil {
		connect = connectSequenceStream
	}

	log.Debugf("Ensuring ZMQ sequence address %s is reachable",
		cfg.SequenceAddr)
	if err := probeAddr(cfg.SequenceAddr, probeTimeout); err != nil {
		cfg.ErrChan.Send(err)
		return
	}

	// Subscribe before loading the mempool so that no event published
	// during the initial load is missed.
	stream, err := connect(cfg.SequenceAddr, readDeadline)
	if err != nil {
		cfg.ErrChan.Send(fmt.Errorf("mempool: initial sync error: %w",
			err))
		return
	}

	mp, err := loadMempool(cfg.Client)
	if err != nil {
		stream.Close()
		cfg.ErrChan.Send(fmt.Errorf("mempool: initial sync error: %w",
			err))
		return
	}
	log.Infof("Initial mempool sync complete: %d transactions", mp.size())

	s := &Sync{
		cfg:            cfg,
		view:           mp,
		stream:         stream,
		reconcileEvery: reconcileInterval,
		quit:           make(chan struct{}),
	}
	s.wg.Add(1)
	go s.eventLoop()

	cfg.OnSynced(s)
}

// probeAddr attempts a short bounded-timeout TCP connection to the
// notification address. Refusal or timeout means "not reachable".
func probeAddr(addr string, timeout time.Duration) error {
	hostport := strings.TrimPrefix(addr, "tcp://")

	conn, err := net.DialTimeout("tcp", hostport, timeout)
	if err != nil {
		return &ErrUnreachable{Addr: addr}
	}
	conn.Close()
	return nil
}

// loadMempool performs the blocking initial reconciliation, fetching every
// transaction currently in the node's mempool.
func loadMempool(client RPCClient) (*view, error) {
	txids, err := client.GetRawMempool()
	if err != nil {
		return nil, err
	}

	mp := newView()
	for _, txid := range txids {
		tx, err := client.GetRawTransaction(txid)
		if err != nil {
			// The transaction may have left the mempool between
			// the listing and the fetch.
			log.Debugf("Unable to fetch mempool tx %v: %v", txid,
				err)
			continue
		}
		mp.add(tx)
	}
	return mp, nil
}

// Sync is a live, continuously updating mempool-sync handle. Asynchronous
// errors of the event loop are reported through the bootstrap's error
// channel.
type Sync struct {
	cfg    *Config
	view   *view
	stream SequenceStream

	// reconcileEvery bounds how long the view may drift before being
	// re-evaluated against the node's mempool.
	reconcileEvery time.Duration

	wg   sync.WaitGroup
	quit chan struct{}
	stop sync.Once
}

// Stop tears down the event loop and waits for it to exit.
func (s *Sync) Stop() {
	s.stop.Do(func() {
		close(s.quit)
		s.stream.Close()
	})
	s.wg.Wait()
}

// Transactions returns a snapshot of the synced mempool.
func (s *Sync) Transactions() []*btcutil.Tx {
	return s.view.snapshot()
}

// ContainsTx reports whether the given transaction is in the synced
// mempool.
func (s *Sync) ContainsTx(hash chainhash.Hash) bool {
	return s.view.containsTx(hash)
}

// LookupInputSpend returns the mempool transaction spending the given
// outpoint, if any.
func (s *Sync) LookupInputSpend(op wire.OutPoint) (chainhash.Hash, bool) {
	return s.view.containsInput(op)
}

// eventLoop consumes sequence events until the stream fails or Stop is
// called. The first fatal error is delivered on the bootstrap's error
// channel; the at-most-once behavior of the channel drops anything after
// that.
//
// NOTE: This must be run as a goroutine.
func (s *Sync) eventLoop() {
	defer s.wg.Done()

	log.Infof("Started listening for mempool sequence notifications")

	lastReconcile := time.Now()
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		// Receive wakes up at least every read deadline, so the
		// reconcile interval is checked often enough even on a
		// quiet stream.
		if time.Since(lastReconcile) >= s.reconcileEvery {
			if err := s.reconcile(); err != nil {
				log.Warnf("Unable to reconcile mempool "+
					"view: %v", err)
			}
			lastReconcile = time.Now()
		}

		msg, err := s.stream.Receive()
		if err != nil {
			// The read deadline firing only means no event
			// arrived in the window.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			// EOF is expected when the stream was closed by
			// Stop; anything else is fatal.
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				s.cfg.ErrChan.Send(fmt.Errorf("mempool: " +
					"sequence stream closed unexpectedly"))
				return
			}
			s.cfg.ErrChan.Send(fmt.Errorf("mempool: task sync "+
				"error: %w", err))
			return
		}

		if err := s.handleSequenceMsg(msg); err != nil {
			s.cfg.ErrChan.Send(fmt.Errorf("mempool: task sync "+
				"error: %w", err))
			return
		}
	}
}

// reconcile re-evaluates the view against the node's mempool using a
// mark-and-sweep pass: transactions still in the node's mempool are
// marked (new ones fetched and added), then everything unmarked is
// swept.  This heals the view after missed sequence events.
func (s *Sync) reconcile() error {
	txids, err := s.cfg.Client.GetRawMempool()
	if err != nil {
		return err
	}

	s.view.unmarkAll()
	for _, txid := range txids {
		if s.view.containsTx(*txid) {
			s.view.mark(*txid)
			continue
		}
		tx, err := s.cfg.Client.GetRawTransaction(txid)
		if err != nil {
			log.Debugf("Unable to fetch mempool tx %v: %v", txid,
				err)
			continue
		}
		s.view.add(tx)
	}
	s.view.deleteUnmarked()

	log.Debugf("Reconciled mempool view: %d transactions", s.view.size())
	return nil
}

// handleSequenceMsg applies one sequence event to the mempool view and,
// for block events, to the enforcer.
func (s *Sync) handleSequenceMsg(msg *SequenceMsg) error {
	switch msg.Label {
	case TxAdded:
		tx, err := s.cfg.Client.GetRawTransaction(&msg.Hash)
		if err != nil {
			// Already evicted again; nothing to track.
			log.Debugf("Unable to fetch announced tx %v: %v",
				msg.Hash, err)
			return nil
		}
		s.view.add(tx)
		log.Tracef("Mempool added tx %v (seq %d)", msg.Hash,
			msg.MempoolSequence)

	case TxRemoved:
		s.view.remove(msg.Hash)
		log.Tracef("Mempool removed tx %v (seq %d)", msg.Hash,
			msg.MempoolSequence)

	case BlockConnected:
		return s.connectBlock(&msg.Hash)

	case BlockDisconnected:
		// There is no local rewind path for the ledger; an observed
		// disconnect means the checkpoint chain can no longer be
		// extended and must be treated as a hard fault.
		return fmt.Errorf("block %v disconnected: unhandled "+
			"reorganization", msg.Hash)
	}
	return nil
}

// connectBlock fetches a newly connected block, derives its sidechain
// activity through the validator, and forwards it to the enforcer.
func (s *Sync) connectBlock(blockHash *chainhash.Hash) error {
	header, err := s.cfg.Client.GetBlockHeaderVerbose(blockHash)
	if err != nil {
		return fmt.Errorf("unable to fetch header %v: %w", blockHash,
			err)
	}
	block, err := s.cfg.Client.GetBlock(blockHash)
	if err != nil {
		return fmt.Errorf("unable to fetch block %v: %w", blockHash,
			err)
	}

	blockInfo, err := s.cfg.Validator.BlockInfo(block, header.Height)
	if err != nil {
		return fmt.Errorf("unable to derive block info for %v: %w",
			blockHash, err)
	}

	err = s.cfg.Enforcer.HandleConnectBlock(block, header.Height, blockInfo)
	if err != nil {
		return fmt.Errorf("unable to connect block %v at height "+
			"%d: %w", blockHash, header.Height, err)
	}

	s.view.clean(block.Transactions)
	log.Debugf("Connected block %v at height %d, mempool now %d txs",
		blockHash, header.Height, s.view.size())
	return nil
}
