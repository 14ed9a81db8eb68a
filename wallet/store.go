// Copyright (c) 2025 The drivechain-suite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/drivechain-suite/enforcerd/chain"
	"github.com/drivechain-suite/enforcerd/drivechain"
)

// Bucket keys for the persisted ledger.
var (
	ledgerBucketKey = []byte("ledger")
	txRecordsKey    = []byte("txrecords")
	checkpointsKey  = []byte("checkpoints")
	bestKnownKey    = []byte("bestknown")
	lastSyncKey     = []byte("lastsync")
)

// byteOrder is the endianness used for all persisted integers.
var byteOrder = binary.LittleEndian

// initStore creates the top level buckets if the database is fresh.
func initStore(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ledger, err := tx.CreateTopLevelBucket(ledgerBucketKey)
		if err != nil {
			return err
		}
		_, err = ledger.CreateBucketIfNotExists(txRecordsKey)
		return err
	})
}

// persistLedger writes the full in-memory ledger state and the new last
// sync time in one database transaction.
func persistLedger(db walletdb.DB, l *ledger, lastSync time.Time) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(ledgerBucketKey)
		if bucket == nil {
			return fmt.Errorf("missing ledger bucket")
		}

		if err := bucket.Put(
			checkpointsKey, serializeCheckpoints(l.checkpoints),
		); err != nil {
			return err
		}
		if err := bucket.Put(
			bestKnownKey, serializeBlockStamp(&l.bestKnown),
		); err != nil {
			return err
		}

		var ts [8]byte
		byteOrder.PutUint64(ts[:], uint64(lastSync.UnixNano()))
		if err := bucket.Put(lastSyncKey, ts[:]); err != nil {
			return err
		}

		records := bucket.NestedReadWriteBucket(txRecordsKey)
		if records == nil {
			return fmt.Errorf("missing tx records bucket")
		}
		for txid, record := range l.txs {
			serialized, err := serializeTxRecord(record)
			if err != nil {
				return err
			}
			if err := records.Put(txid[:], serialized); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadLedger reads the persisted ledger state, returning the stored last
// sync time alongside. A fresh database yields an empty ledger.
func loadLedger(db walletdb.DB,
	watched []drivechain.SidechainNumber) (*ledger, time.Time, error) {

	l := newLedger(watched)
	var lastSync time.Time

	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(ledgerBucketKey)
		if bucket == nil {
			return nil
		}

		if raw := bucket.Get(checkpointsKey); raw != nil {
			checkpoints, err := deserializeCheckpoints(raw)
			if err != nil {
				return err
			}
			l.checkpoints = checkpoints
		}
		if raw := bucket.Get(bestKnownKey); raw != nil {
			stamp, err := deserializeBlockStamp(raw)
			if err != nil {
				return err
			}
			l.bestKnown = *stamp
		}
		if raw := bucket.Get(lastSyncKey); len(raw) == 8 {
			lastSync = time.Unix(0, int64(byteOrder.Uint64(raw)))
		}

		records := bucket.NestedReadBucket(txRecordsKey)
		if records == nil {
			return nil
		}
		return records.ForEach(func(k, v []byte) error {
			record, err := deserializeTxRecord(v)
			if err != nil {
				return err
			}
			l.txs[record.TxID] = record
			l.updateCtip(record)
			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return l, lastSync, nil
}

func serializeCheckpoints(checkpoints []Checkpoint) []byte {
	buf := make([]byte, 4, 4+len(checkpoints)*36)
	byteOrder.PutUint32(buf, uint32(len(checkpoints)))
	for i := range checkpoints {
		var entry [36]byte
		byteOrder.PutUint32(entry[:4], uint32(checkpoints[i].Height))
		copy(entry[4:], checkpoints[i].Hash[:])
		buf = append(buf, entry[:]...)
	}
	return buf
}

func deserializeCheckpoints(raw []byte) ([]Checkpoint, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("short checkpoint chain: %d bytes", len(raw))
	}
	count := byteOrder.Uint32(raw)
	raw = raw[4:]
	if uint32(len(raw)) != count*36 {
		return nil, fmt.Errorf("malformed checkpoint chain")
	}

	checkpoints := make([]Checkpoint, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := raw[i*36 : (i+1)*36]
		var cp Checkpoint
		cp.Height = int32(byteOrder.Uint32(entry[:4]))
		copy(cp.Hash[:], entry[4:])
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

func serializeBlockStamp(stamp *chain.BlockStamp) []byte {
	var buf [44]byte
	byteOrder.PutUint32(buf[:4], uint32(stamp.Height))
	copy(buf[4:36], stamp.Hash[:])
	byteOrder.PutUint64(buf[36:], uint64(stamp.Time.Unix()))
	return buf[:]
}

func deserializeBlockStamp(raw []byte) (*chain.BlockStamp, error) {
	if len(raw) != 44 {
		return nil, fmt.Errorf("malformed block stamp: %d bytes", len(raw))
	}
	stamp := &chain.BlockStamp{
		Height: int32(byteOrder.Uint32(raw[:4])),
		Time:   time.Unix(int64(byteOrder.Uint64(raw[36:])), 0),
	}
	copy(stamp.Hash[:], raw[4:36])
	return stamp, nil
}

// serializeTxRecord encodes a tx record as:
//
//	[4:tx len][tx bytes][1:sidechain][8:received][8:sent][8:fee]
//	[1:confirmed][4:height][32:block hash][8:block time]
//
// The confirmation fields are only present when the confirmed flag is 1.
func serializeTxRecord(record *TxRecord) ([]byte, error) {
	var buf bytes.Buffer

	var txBuf bytes.Buffer
	if err := record.Tx.Serialize(&txBuf); err != nil {
		return nil, err
	}
	var lenBytes [4]byte
	byteOrder.PutUint32(lenBytes[:], uint32(txBuf.Len()))
	buf.Write(lenBytes[:])
	buf.Write(txBuf.Bytes())

	buf.WriteByte(byte(record.Sidechain))

	var amounts [24]byte
	byteOrder.PutUint64(amounts[:8], uint64(record.Received))
	byteOrder.PutUint64(amounts[8:16], uint64(record.Sent))
	byteOrder.PutUint64(amounts[16:], uint64(record.Fee))
	buf.Write(amounts[:])

	if record.Confirmation == nil {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}
	buf.WriteByte(1)

	var conf [44]byte
	byteOrder.PutUint32(conf[:4], uint32(record.Confirmation.Height))
	copy(conf[4:36], record.Confirmation.BlockHash[:])
	byteOrder.PutUint64(conf[36:], uint64(record.Confirmation.Time.Unix()))
	buf.Write(conf[:])

	return buf.Bytes(), nil
}

func deserializeTxRecord(raw []byte) (*TxRecord, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("short tx record")
	}
	txLen := byteOrder.Uint32(raw[:4])
	raw = raw[4:]
	if uint32(len(raw)) < txLen+1+24+1 {
		return nil, fmt.Errorf("malformed tx record")
	}

	record := &TxRecord{Tx: &wire.MsgTx{}}
	if err := record.Tx.Deserialize(bytes.NewReader(raw[:txLen])); err != nil {
		return nil, err
	}
	record.TxID = record.Tx.TxHash()
	raw = raw[txLen:]

	record.Sidechain = drivechain.SidechainNumber(raw[0])
	raw = raw[1:]

	record.Received = btcutil.Amount(byteOrder.Uint64(raw[:8]))
	record.Sent = btcutil.Amount(byteOrder.Uint64(raw[8:16]))
	record.Fee = btcutil.Amount(byteOrder.Uint64(raw[16:24]))
	raw = raw[24:]

	if raw[0] == 0 {
		return record, nil
	}
	raw = raw[1:]
	if len(raw) != 44 {
		return nil, fmt.Errorf("malformed tx record confirmation")
	}

	conf := &chain.TxConfirmation{
		Height: int32(byteOrder.Uint32(raw[:4])),
		Time:   time.Unix(int64(byteOrder.Uint64(raw[36:])), 0),
	}
	copy(conf.BlockHash[:], raw[4:36])
	record.Confirmation = conf

	return record, nil
}
