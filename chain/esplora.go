package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultParallelRequests bounds the number of esplora HTTP requests
	// in flight at once.
	defaultParallelRequests = 5

	// defaultEsploraTimeout is the per-request HTTP timeout.
	defaultEsploraTimeout = 30 * time.Second
)

// EsploraSource is a chain source backed by an esplora REST instance.
// Lookups for independent scripts and transactions are fanned out with
// bounded parallelism.
type EsploraSource struct {
	baseURL  string
	parallel int
	client   *http.Client
}

var _ Source = (*EsploraSource)(nil)

// NewEsploraSource creates an esplora-backed chain source talking to the
// given base URL, e.g. "https://blockstream.info/api". parallel bounds the
// number of concurrent requests; zero selects the default.
func NewEsploraSource(baseURL string, parallel int) *EsploraSource {
	if parallel <= 0 {
		parallel = defaultParallelRequests
	}
	return &EsploraSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		parallel: parallel,
		client:   &http.Client{Timeout: defaultEsploraTimeout},
	}
}

// BackEnd returns the name of the driver.
func (s *EsploraSource) BackEnd() string {
	return "esplora"
}

// esploraTxStatus is the confirmation status esplora reports for a
// transaction.
type esploraTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int32  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// esploraTx is a single entry of a script history response.
type esploraTx struct {
	TxID   string          `json:"txid"`
	Status esploraTxStatus `json:"status"`
}

// esploraBlock is the subset of esplora's block response needed for the
// tip stamp.
type esploraBlock struct {
	Height    int32 `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Sync fans out history lookups for the watched scripts and status
// refreshes for the tracked transactions, bounded by the configured
// parallelism, then stamps the update with the instance's current tip.
func (s *EsploraSource) Sync(req *SyncRequest) (*SourceUpdate, error) {
	var (
		mu     sync.Mutex
		update SourceUpdate
		seen   = make(map[chainhash.Hash]struct{})
	)

	addTx := func(txUpdate *TxUpdate) {
		mu.Lock()
		defer mu.Unlock()

		if _, ok := seen[txUpdate.TxID]; ok {
			return
		}
		seen[txUpdate.TxID] = struct{}{}
		update.Txs = append(update.Txs, *txUpdate)
	}

	var group errgroup.Group
	group.SetLimit(s.parallel)

	for _, script := range req.Scripts {
		script := script
		group.Go(func() error {
			return s.syncScript(script, addTx)
		})
	}
	for i := range req.TxIDs {
		txid := req.TxIDs[i]
		group.Go(func() error {
			return s.syncTx(txid, addTx)
		})
	}

	if err := group.Wait(); err != nil {
		return nil, s.sourceErr(err)
	}

	tip, err := s.fetchTip()
	if err != nil {
		return nil, s.sourceErr(err)
	}
	update.Tip = *tip

	return &update, nil
}

// syncScript fetches the history of one output script and reports each
// transaction found.
func (s *EsploraSource) syncScript(script []byte,
	addTx func(*TxUpdate)) error {

	// Esplora's script lookups are keyed by the reversed sha256 of the
	// script, following the electrum convention.
	hash := sha256.Sum256(script)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}

	var history []esploraTx
	url := fmt.Sprintf("%s/scripthash/%s/txs", s.baseURL,
		hex.EncodeToString(hash[:]))
	if err := s.getJSON(url, &history); err != nil {
		return err
	}

	for _, entry := range history {
		txid, err := chainhash.NewHashFromStr(entry.TxID)
		if err != nil {
			return err
		}
		tx, err := s.fetchRawTx(txid)
		if err != nil {
			return err
		}
		addTx(&TxUpdate{
			TxID:         *txid,
			Tx:           tx,
			Confirmation: entry.Status.confirmation(),
		})
	}
	return nil
}

// syncTx refreshes the confirmation status of one tracked transaction.
func (s *EsploraSource) syncTx(txid chainhash.Hash,
	addTx func(*TxUpdate)) error {

	var status esploraTxStatus
	url := fmt.Sprintf("%s/tx/%s/status", s.baseURL, txid.String())
	if err := s.getJSON(url, &status); err != nil {
		return err
	}

	addTx(&TxUpdate{
		TxID:         txid,
		Confirmation: status.confirmation(),
	})
	return nil
}

// confirmation converts an esplora status into a TxConfirmation, or nil for
// unconfirmed transactions.
func (st *esploraTxStatus) confirmation() *TxConfirmation {
	if !st.Confirmed {
		return nil
	}
	blockHash, err := chainhash.NewHashFromStr(st.BlockHash)
	if err != nil {
		// An unparseable hash from the instance is treated the same
		// as unconfirmed; the next round will retry.
		log.Warnf("esplora: unparseable block hash %q: %v",
			st.BlockHash, err)
		return nil
	}
	return &TxConfirmation{
		Height:    st.BlockHeight,
		BlockHash: *blockHash,
		Time:      time.Unix(st.BlockTime, 0),
	}
}

// fetchRawTx fetches and deserializes the raw transaction bytes.
func (s *EsploraSource) fetchRawTx(txid *chainhash.Hash) (*wire.MsgTx, error) {
	url := fmt.Sprintf("%s/tx/%s/hex", s.baseURL, txid.String())
	body, err := s.get(url)
	if err != nil {
		return nil, err
	}
	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}
	return tx, nil
}

// fetchTip queries the instance's current tip.
func (s *EsploraSource) fetchTip() (*BlockStamp, error) {
	body, err := s.get(s.baseURL + "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}
	tipHash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, err
	}

	var block esploraBlock
	if err := s.getJSON(s.baseURL+"/block/"+tipHash.String(), &block); err != nil {
		return nil, err
	}

	return &BlockStamp{
		Height: block.Height,
		Hash:   *tipHash,
		Time:   time.Unix(block.Timestamp, 0),
	}, nil
}

// get performs one GET request, treating any non-200 response as an error.
func (s *EsploraSource) get(url string) ([]byte, error) {
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esplora returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// getJSON performs one GET request and decodes the JSON response into out.
func (s *EsploraSource) getJSON(url string, out interface{}) error {
	body, err := s.get(url)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// sourceErr wraps err with this backend's identity.
func (s *EsploraSource) sourceErr(err error) error {
	return &SourceError{BackEnd: s.BackEnd(), Err: err}
}
