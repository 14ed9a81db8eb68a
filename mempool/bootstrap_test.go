package mempool

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/drivechain-suite/enforcerd/drivechain"
	"github.com/drivechain-suite/enforcerd/internal/oneshot"
)

// fakeRPC is an RPCClient backed by maps, recording whether the mempool was
// ever listed.
type fakeRPC struct {
	mtx sync.Mutex

	mempool []*chainhash.Hash
	txs     map[chainhash.Hash]*btcutil.Tx
	blocks  map[chainhash.Hash]*wire.MsgBlock
	heights map[chainhash.Hash]int32

	listCalls atomic.Int64
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		txs:     make(map[chainhash.Hash]*btcutil.Tx),
		blocks:  make(map[chainhash.Hash]*wire.MsgBlock),
		heights: make(map[chainhash.Hash]int32),
	}
}

func (f *fakeRPC) addTx(tx *btcutil.Tx, inMempool bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.txs[*tx.Hash()] = tx
	if inMempool {
		f.mempool = append(f.mempool, tx.Hash())
	}
}

// setMempool replaces the listing returned by GetRawMempool.
func (f *fakeRPC) setMempool(txids ...*chainhash.Hash) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.mempool = txids
}

func (f *fakeRPC) addBlock(block *wire.MsgBlock, height int32) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	hash := block.BlockHash()
	f.blocks[hash] = block
	f.heights[hash] = height
}

func (f *fakeRPC) GetRawMempool() ([]*chainhash.Hash, error) {
	f.listCalls.Add(1)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.mempool, nil
}

func (f *fakeRPC) GetRawTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	tx, ok := f.txs[*txHash]
	if !ok {
		return nil, fmt.Errorf("no such mempool tx %v", txHash)
	}
	return tx, nil
}

func (f *fakeRPC) GetBlock(blockHash *chainhash.Hash) (*wire.MsgBlock, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	block, ok := f.blocks[*blockHash]
	if !ok {
		return nil, fmt.Errorf("no such block %v", blockHash)
	}
	return block, nil
}

func (f *fakeRPC) GetBlockHeaderVerbose(
	blockHash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	height, ok := f.heights[*blockHash]
	if !ok {
		return nil, fmt.Errorf("no such header %v", blockHash)
	}
	return &btcjson.GetBlockHeaderVerboseResult{
		Hash:   blockHash.String(),
		Height: height,
	}, nil
}

// timeoutError mimics the deadline error a ZMQ read returns when no
// event arrives in the window.
type timeoutError struct{}

func (timeoutError) Error() string   { return "receive timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeStream is a SequenceStream fed from a channel.  A non-zero timeout
// makes Receive give up waiting the way the ZMQ read deadline does.
type fakeStream struct {
	msgs    chan *SequenceMsg
	timeout time.Duration
	quit    chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs: make(chan *SequenceMsg, 16),
		quit: make(chan struct{}),
	}
}

func (f *fakeStream) Receive() (*SequenceMsg, error) {
	if f.timeout > 0 {
		select {
		case msg := <-f.msgs:
			return msg, nil
		case <-f.quit:
			return nil, io.EOF
		case <-time.After(f.timeout):
			return nil, timeoutError{}
		}
	}
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.quit:
		return nil, io.EOF
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.quit) })
	return nil
}

// recordingEnforcer records connected blocks.
type recordingEnforcer struct {
	mtx     sync.Mutex
	heights []int32
}

func (r *recordingEnforcer) HandleConnectBlock(block *wire.MsgBlock,
	height int32, blockInfo *drivechain.BlockInfo) error {

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.heights = append(r.heights, height)
	return nil
}

func (r *recordingEnforcer) connected() []int32 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]int32(nil), r.heights...)
}

// emptyBlockInfo satisfies BlockInfoSource.
type emptyBlockInfo struct{}

func (emptyBlockInfo) BlockInfo(block *wire.MsgBlock,
	height int32) (*drivechain.BlockInfo, error) {

	return &drivechain.BlockInfo{}, nil
}

// simpleTx returns a unique transaction.
func simpleTx(nonce uint32) *btcutil.Tx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: nonce},
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    1000,
		PkScript: []byte{txscript.OP_TRUE},
	})
	return btcutil.NewTx(tx)
}

// unreachableAddr returns an address nothing is listening on.
func unreachableAddr(t *testing.T) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return "tcp://" + addr
}

func TestRunUnreachableAddressIsFatal(t *testing.T) {
	client := newFakeRPC()
	errChan := oneshot.NewErr()
	addr := unreachableAddr(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(&Config{
			Enforcer:     &recordingEnforcer{},
			Validator:    emptyBlockInfo{},
			Client:       client,
			SequenceAddr: addr,
			ErrChan:      errChan,
			OnSynced: func(*Sync) {
				t.Error("OnSynced called for unreachable address")
			},
		})
	}()

	select {
	case err := <-errChan.Recv():
		var unreachable *ErrUnreachable
		require.ErrorAs(t, err, &unreachable)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error for unreachable address")
	}
	<-done

	// The initial reconciliation must never have been attempted.
	require.Zero(t, client.listCalls.Load())
}

// runSynced bootstraps the mempool sync against a reachable listener and a
// fake stream, returning the live handle.
func runSynced(t *testing.T, client *fakeRPC, enforcer Enforcer,
	stream *fakeStream, errChan *oneshot.Err,
	opts ...func(*Config)) *Sync {

	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	cfg := &Config{
		Enforcer:     enforcer,
		Validator:    emptyBlockInfo{},
		Client:       client,
		SequenceAddr: "tcp://" + lis.Addr().String(),
		ErrChan:      errChan,
		connect: func(string, time.Duration) (SequenceStream, error) {
			return stream, nil
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	synced := make(chan *Sync, 1)
	cfg.OnSynced = func(s *Sync) { synced <- s }
	go Run(cfg)

	select {
	case s := <-synced:
		t.Cleanup(s.Stop)
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap did not complete")
		return nil
	}
}

func TestRunInitialReconciliation(t *testing.T) {
	client := newFakeRPC()
	existing := simpleTx(1)
	client.addTx(existing, true)

	handle := runSynced(t, client, &recordingEnforcer{}, newFakeStream(),
		oneshot.NewErr())

	require.True(t, handle.ContainsTx(*existing.Hash()))
	require.Len(t, handle.Transactions(), 1)

	spender, ok := handle.LookupInputSpend(
		existing.MsgTx().TxIn[0].PreviousOutPoint,
	)
	require.True(t, ok)
	require.Equal(t, *existing.Hash(), spender)
}

// TestSyncPeriodicReconcile verifies that the view heals itself against
// getrawmempool when the node's mempool moves on without any sequence
// event being observed.
func TestSyncPeriodicReconcile(t *testing.T) {
	client := newFakeRPC()
	stale := simpleTx(1)
	client.addTx(stale, true)

	stream := newFakeStream()
	stream.timeout = 5 * time.Millisecond

	handle := runSynced(t, client, &recordingEnforcer{}, stream,
		oneshot.NewErr(), func(cfg *Config) {
			cfg.ReconcileInterval = 20 * time.Millisecond
		})
	require.True(t, handle.ContainsTx(*stale.Hash()))

	// The node's mempool replaces the stale transaction with a fresh
	// one without publishing any event.
	fresh := simpleTx(2)
	client.addTx(fresh, false)
	client.setMempool(fresh.Hash())

	require.Eventually(t, func() bool {
		return handle.ContainsTx(*fresh.Hash()) &&
			!handle.ContainsTx(*stale.Hash())
	}, 5*time.Second, 10*time.Millisecond)

	// The input index follows the sweep.
	_, ok := handle.LookupInputSpend(
		stale.MsgTx().TxIn[0].PreviousOutPoint,
	)
	require.False(t, ok)
}

func TestSyncFollowsSequenceEvents(t *testing.T) {
	client := newFakeRPC()
	stream := newFakeStream()
	enforcer := &recordingEnforcer{}
	errChan := oneshot.NewErr()

	handle := runSynced(t, client, enforcer, stream, errChan)

	// A transaction announced over the stream is fetched and tracked.
	added := simpleTx(2)
	client.addTx(added, false)
	stream.msgs <- &SequenceMsg{
		Label:           TxAdded,
		Hash:            *added.Hash(),
		MempoolSequence: 1,
	}
	require.Eventually(t, func() bool {
		return handle.ContainsTx(*added.Hash())
	}, 5*time.Second, 10*time.Millisecond)

	// A removal evicts it again.
	stream.msgs <- &SequenceMsg{
		Label:           TxRemoved,
		Hash:            *added.Hash(),
		MempoolSequence: 2,
	}
	require.Eventually(t, func() bool {
		return !handle.ContainsTx(*added.Hash())
	}, 5*time.Second, 10*time.Millisecond)

	// A connected block is forwarded to the enforcer and its
	// transactions leave the view.
	confirmed := simpleTx(3)
	client.addTx(confirmed, false)
	stream.msgs <- &SequenceMsg{
		Label:           TxAdded,
		Hash:            *confirmed.Hash(),
		MempoolSequence: 3,
	}

	block := &wire.MsgBlock{}
	block.AddTransaction(confirmed.MsgTx())
	client.addBlock(block, 120)
	blockHash := block.BlockHash()
	stream.msgs <- &SequenceMsg{Label: BlockConnected, Hash: blockHash}

	require.Eventually(t, func() bool {
		heights := enforcer.connected()
		return len(heights) == 1 && heights[0] == 120 &&
			!handle.ContainsTx(*confirmed.Hash())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncBlockDisconnectIsFatal(t *testing.T) {
	client := newFakeRPC()
	stream := newFakeStream()
	errChan := oneshot.NewErr()

	runSynced(t, client, &recordingEnforcer{}, stream, errChan)

	var blockHash chainhash.Hash
	blockHash[0] = 0x0d
	stream.msgs <- &SequenceMsg{
		Label: BlockDisconnected,
		Hash:  blockHash,
	}

	select {
	case err := <-errChan.Recv():
		require.Contains(t, err.Error(), "reorganization")
	case <-time.After(5 * time.Second):
		t.Fatal("block disconnect did not surface as a fatal error")
	}
}

func TestSyncStreamFailureIsReportedOnce(t *testing.T) {
	client := newFakeRPC()
	stream := newFakeStream()
	errChan := oneshot.NewErr()

	handle := runSynced(t, client, &recordingEnforcer{}, stream, errChan)

	// Closing the stream out from under the loop is an unexpected EOF.
	stream.Close()

	select {
	case err := <-errChan.Recv():
		require.Error(t, err)
		require.False(t, errors.Is(err, io.EOF))
	case <-time.After(5 * time.Second):
		t.Fatal("stream failure not reported")
	}

	// A later Stop must not panic or deliver anything further.
	handle.Stop()
	select {
	case err := <-errChan.Recv():
		t.Fatalf("second delivery: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
