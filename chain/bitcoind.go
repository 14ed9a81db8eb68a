package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultBatchSize is the number of transaction lookups sent to
	// bitcoind in one batched request.
	defaultBatchSize = 5
)

// batchClient defines the subset of the batching RPC client used by the
// bitcoind source. The client returned from `rpcclient.NewBatch` implements
// this interface.
type batchClient interface {
	// GetRawTransactionVerboseAsync queues a verbose transaction lookup
	// and returns a future for its result.
	GetRawTransactionVerboseAsync(
		txHash *chainhash.Hash) rpcclient.FutureGetRawTransactionVerboseResult

	// GetBlockHeaderVerboseAsync queues a verbose header lookup and
	// returns a future for its result.
	GetBlockHeaderVerboseAsync(
		blockHash *chainhash.Hash) rpcclient.FutureGetBlockHeaderVerboseResult

	// GetBestBlockHashAsync queues a best block hash query.
	GetBestBlockHashAsync() rpcclient.FutureGetBestBlockHashResult

	// Send marshals the queued requests into one batch and dispatches it.
	Send() error
}

// BitcoindSource is a chain source backed by a bitcoind node. Lookups are
// performed sequentially in bounded batches over the node's JSON-RPC
// interface.
//
// bitcoind keeps no index over arbitrary output scripts, so this backend
// only refreshes the confirmation status of already-tracked transactions;
// the Scripts field of a SyncRequest is ignored. New deposits still reach
// the wallet through block connection handling.
type BitcoindSource struct {
	client    batchClient
	batchSize int
}

var _ Source = (*BitcoindSource)(nil)

// NewBitcoindSource creates a bitcoind-backed chain source. batchSize
// bounds the number of lookups in flight per batched request; zero selects
// the default.
func NewBitcoindSource(client batchClient, batchSize int) *BitcoindSource {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &BitcoindSource{
		client:    client,
		batchSize: batchSize,
	}
}

// BackEnd returns the name of the driver.
func (s *BitcoindSource) BackEnd() string {
	return "bitcoind"
}

// Sync refreshes the confirmation status of the requested transactions in
// sequential bounded batches, then stamps the update with the node's
// current tip.
func (s *BitcoindSource) Sync(req *SyncRequest) (*SourceUpdate, error) {
	update := &SourceUpdate{}

	// headerCache avoids re-fetching a header shared by several
	// transactions confirmed in the same block.
	headerCache := make(map[chainhash.Hash]*TxConfirmation)

	for start := 0; start < len(req.TxIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(req.TxIDs) {
			end = len(req.TxIDs)
		}

		batch := req.TxIDs[start:end]
		txns, err := s.fetchTxBatch(batch)
		if err != nil {
			return nil, s.sourceErr(err)
		}

		for i, rawTx := range txns {
			if rawTx == nil {
				// The node no longer knows the transaction,
				// e.g. it was evicted from the mempool. Leave
				// it for the next round.
				log.Tracef("bitcoind: no info for tx %v, "+
					"skipping", batch[i])
				continue
			}

			txUpdate, err := s.convertRawTx(&batch[i], rawTx,
				headerCache)
			if err != nil {
				return nil, s.sourceErr(err)
			}
			update.Txs = append(update.Txs, *txUpdate)
		}
	}

	tip, err := s.fetchTip(headerCache)
	if err != nil {
		return nil, s.sourceErr(err)
	}
	update.Tip = *tip

	return update, nil
}

// fetchTxBatch queues verbose lookups for the given transactions, sends the
// batch, and collects the results. A nil entry indicates that the node has
// no information for the corresponding transaction.
func (s *BitcoindSource) fetchTxBatch(
	txids []chainhash.Hash) ([]*btcjson.TxRawResult, error) {

	futures := make([]rpcclient.FutureGetRawTransactionVerboseResult, 0,
		len(txids))
	for i := range txids {
		futures = append(
			futures, s.client.GetRawTransactionVerboseAsync(&txids[i]),
		)
	}
	if err := s.client.Send(); err != nil {
		return nil, err
	}

	results := make([]*btcjson.TxRawResult, len(futures))
	for i, future := range futures {
		rawTx, err := future.Receive()
		switch {
		case isNoTxInfoErr(err):
			results[i] = nil
			continue
		case err != nil:
			return nil, err
		}
		results[i] = rawTx
	}
	return results, nil
}

// convertRawTx turns a verbose bitcoind transaction result into a TxUpdate,
// resolving the confirmation height through the header cache.
func (s *BitcoindSource) convertRawTx(txid *chainhash.Hash,
	rawTx *btcjson.TxRawResult,
	headerCache map[chainhash.Hash]*TxConfirmation) (*TxUpdate, error) {

	txUpdate := &TxUpdate{TxID: *txid}

	txBytes, err := hex.DecodeString(rawTx.Hex)
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}
	txUpdate.Tx = tx

	// Zero confirmations means the transaction is back in the mempool.
	if rawTx.Confirmations == 0 || rawTx.BlockHash == "" {
		return txUpdate, nil
	}

	blockHash, err := chainhash.NewHashFromStr(rawTx.BlockHash)
	if err != nil {
		return nil, err
	}

	conf, ok := headerCache[*blockHash]
	if !ok {
		future := s.client.GetBlockHeaderVerboseAsync(blockHash)
		if err := s.client.Send(); err != nil {
			return nil, err
		}
		header, err := future.Receive()
		if err != nil {
			return nil, err
		}
		conf = &TxConfirmation{
			Height:    header.Height,
			BlockHash: *blockHash,
			Time:      time.Unix(header.Time, 0),
		}
		headerCache[*blockHash] = conf
	}
	txUpdate.Confirmation = conf

	return txUpdate, nil
}

// fetchTip queries the node's best block and returns it as a BlockStamp.
func (s *BitcoindSource) fetchTip(
	headerCache map[chainhash.Hash]*TxConfirmation) (*BlockStamp, error) {

	hashFuture := s.client.GetBestBlockHashAsync()
	if err := s.client.Send(); err != nil {
		return nil, err
	}
	bestHash, err := hashFuture.Receive()
	if err != nil {
		return nil, err
	}

	if conf, ok := headerCache[*bestHash]; ok {
		return &BlockStamp{
			Height: conf.Height,
			Hash:   *bestHash,
			Time:   conf.Time,
		}, nil
	}

	headerFuture := s.client.GetBlockHeaderVerboseAsync(bestHash)
	if err := s.client.Send(); err != nil {
		return nil, err
	}
	header, err := headerFuture.Receive()
	if err != nil {
		return nil, err
	}

	return &BlockStamp{
		Height: header.Height,
		Hash:   *bestHash,
		Time:   time.Unix(header.Time, 0),
	}, nil
}

// sourceErr wraps err with this backend's identity.
func (s *BitcoindSource) sourceErr(err error) error {
	return &SourceError{BackEnd: s.BackEnd(), Err: err}
}

// isNoTxInfoErr reports whether err is bitcoind telling us it has no
// information about a transaction.
func isNoTxInfoErr(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}
