package mempool

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

const (
	// sequenceZMQCommand is the ZMQ topic carrying mempool sequence
	// notifications.
	sequenceZMQCommand = "sequence"

	// seqNumLen is the length of the publisher-side sequence number
	// trailing every ZMQ message.
	seqNumLen = 4
)

// SequenceLabel identifies the kind of a mempool sequence event.
type SequenceLabel byte

const (
	// BlockConnected signals a block attached to the best chain.
	BlockConnected SequenceLabel = 'C'

	// BlockDisconnected signals a block reorganized out of the best
	// chain.
	BlockDisconnected SequenceLabel = 'D'

	// TxAdded signals a transaction accepted to the mempool.
	TxAdded SequenceLabel = 'A'

	// TxRemoved signals a transaction evicted from the mempool for a
	// reason other than block inclusion.
	TxRemoved SequenceLabel = 'R'
)

// SequenceMsg is one parsed mempool sequence event.
type SequenceMsg struct {
	Label SequenceLabel

	// Hash is the block hash for C/D events and the txid for A/R
	// events.
	Hash chainhash.Hash

	// MempoolSequence is only present for A/R events.
	MempoolSequence uint64
}

// SequenceStream is a source of mempool sequence events. The production
// implementation reads a ZMQ subscription; tests substitute their own.
type SequenceStream interface {
	// Receive blocks until the next event arrives, the read deadline
	// expires (returning a timeout net.Error), or the stream is closed
	// (returning io.EOF).
	Receive() (*SequenceMsg, error)

	// Close tears down the stream.
	Close() error
}

// zmqSequenceStream delivers mempool sequence notifications read from a
// ZMQ subscription to the node.
type zmqSequenceStream struct {
	conn *gozmq.Conn

	// Receive buffers are reused across reads; only the bytes needed are
	// parsed out of them afterwards.
	command [len(sequenceZMQCommand)]byte
	data    []byte
	seqNum  [seqNumLen]byte
}

// connectSequenceStream subscribes to the node's sequence notifications at
// the given address.
func connectSequenceStream(addr string,
	readDeadline time.Duration) (SequenceStream, error) {

	conn, err := gozmq.Subscribe(
		addr, []string{sequenceZMQCommand}, readDeadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq sequence "+
			"events: %v", err)
	}
	return &zmqSequenceStream{
		conn: conn,
		data: make([]byte, 41),
	}, nil
}

// Receive reads and parses the next sequence event.
func (s *zmqSequenceStream) Receive() (*SequenceMsg, error) {
	bufs := [][]byte{s.command[:], s.data, s.seqNum[:]}
	bufs, err := s.conn.Receive(bufs)
	if err != nil {
		return nil, err
	}

	eventType := string(bufs[0])
	if eventType != sequenceZMQCommand {
		return nil, fmt.Errorf("unexpected event type from %v "+
			"subscription: %v", sequenceZMQCommand, eventType)
	}
	return parseSequenceBody(bufs[1])
}

// Close tears down the ZMQ connection.
func (s *zmqSequenceStream) Close() error {
	return s.conn.Close()
}

// parseSequenceBody parses the body of a sequence notification: a 32-byte
// hash, a one-byte label, and, for mempool events, an 8-byte little-endian
// mempool sequence number.  bitcoind publishes the hash in RPC display
// order, so the bytes are reversed into chainhash's internal order.
func parseSequenceBody(body []byte) (*SequenceMsg, error) {
	if len(body) < chainhash.HashSize+1 {
		return nil, fmt.Errorf("short sequence message: %d bytes",
			len(body))
	}

	msg := &SequenceMsg{Label: SequenceLabel(body[chainhash.HashSize])}
	for i, b := range body[:chainhash.HashSize] {
		msg.Hash[chainhash.HashSize-1-i] = b
	}

	switch msg.Label {
	case BlockConnected, BlockDisconnected:
		return msg, nil

	case TxAdded, TxRemoved:
		rest := body[chainhash.HashSize+1:]
		if len(rest) < 8 {
			return nil, fmt.Errorf("sequence message for %c "+
				"lacks mempool sequence", msg.Label)
		}
		msg.MempoolSequence = binary.LittleEndian.Uint64(rest)
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown sequence label %q", msg.Label)
	}
}
