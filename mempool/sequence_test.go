package mempool

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// sequenceBody builds the raw body of a sequence notification.  The node
// publishes the hash in RPC display order, the reverse of chainhash's
// internal byte order.
func sequenceBody(hash chainhash.Hash, label SequenceLabel,
	seq ...uint64) []byte {

	body := make([]byte, 0, 41)
	for i := len(hash) - 1; i >= 0; i-- {
		body = append(body, hash[i])
	}
	body = append(body, byte(label))
	if len(seq) > 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], seq[0])
		body = append(body, buf[:]...)
	}
	return body
}

func TestParseSequenceBody(t *testing.T) {
	var hash chainhash.Hash
	hash[0] = 0xab

	tests := []struct {
		name    string
		body    []byte
		want    *SequenceMsg
		wantErr bool
	}{
		{
			name: "block connected",
			body: sequenceBody(hash, BlockConnected),
			want: &SequenceMsg{Label: BlockConnected, Hash: hash},
		},
		{
			name: "block disconnected",
			body: sequenceBody(hash, BlockDisconnected),
			want: &SequenceMsg{Label: BlockDisconnected, Hash: hash},
		},
		{
			name: "tx added",
			body: sequenceBody(hash, TxAdded, 42),
			want: &SequenceMsg{
				Label:           TxAdded,
				Hash:            hash,
				MempoolSequence: 42,
			},
		},
		{
			name: "tx removed",
			body: sequenceBody(hash, TxRemoved, 43),
			want: &SequenceMsg{
				Label:           TxRemoved,
				Hash:            hash,
				MempoolSequence: 43,
			},
		},
		{
			name:    "short body",
			body:    hash[:16],
			wantErr: true,
		},
		{
			name:    "tx added without sequence",
			body:    sequenceBody(hash, TxAdded),
			wantErr: true,
		},
		{
			name:    "unknown label",
			body:    sequenceBody(hash, 'X'),
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			msg, err := parseSequenceBody(test.body)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, msg)
		})
	}
}

// TestParseSequenceBodyDisplayOrder pins the byte-order convention: the
// node writes the hash the way getbestblockhash renders it, so the
// parsed hash must stringify back to that same value.
func TestParseSequenceBodyDisplayOrder(t *testing.T) {
	const rpcHash = "000000000019d6689c085ae165831e93" +
		"4ff763ae46a2a6c172b3f1b60a8ce26f"

	body, err := hex.DecodeString(rpcHash)
	require.NoError(t, err)
	body = append(body, byte(BlockConnected))

	msg, err := parseSequenceBody(body)
	require.NoError(t, err)
	require.Equal(t, rpcHash, msg.Hash.String())

	want, err := chainhash.NewHashFromStr(rpcHash)
	require.NoError(t, err)
	require.Equal(t, *want, msg.Hash)
}
