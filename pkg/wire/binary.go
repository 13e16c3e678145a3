package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Document endpoint message kinds. The first byte of every binary frame.
const (
	BinSyncRequest  byte = 0
	BinSyncResponse byte = 1
	BinSyncAck      byte = 2
	BinUpdate       byte = 3
	BinAwareness    byte = 4
)

// MinUpdateSize is the smallest update payload the relay accepts. Anything
// shorter cannot be a CRDT update and is rejected before persistence.
const MinUpdateSize = 2

var (
	// ErrEmptyFrame is returned for zero-length binary frames.
	ErrEmptyFrame = errors.New("empty binary frame")

	// ErrShortUpdate is returned for update payloads below MinUpdateSize.
	ErrShortUpdate = errors.New("update payload too short")
)

const seqSize = 8

// SplitBinary peels the message kind off a binary frame.
func SplitBinary(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return frame[0], frame[1:], nil
}

// EncodeSyncRequest frames a client's sync handshake: the sequence
// watermark of the last log record it holds (0 for none) followed by the
// CRDT library's opaque state vector, which the server stores and ignores.
func EncodeSyncRequest(seq uint64, vector []byte) []byte {
	frame := make([]byte, 1+seqSize, 1+seqSize+len(vector))
	frame[0] = BinSyncRequest
	binary.BigEndian.PutUint64(frame[1:], seq)
	return append(frame, vector...)
}

// DecodeSyncRequest reverses EncodeSyncRequest. The body excludes the kind
// byte.
func DecodeSyncRequest(body []byte) (uint64, []byte, error) {
	if len(body) < seqSize {
		return 0, nil, fmt.Errorf("sync request too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body[:seqSize]), body[seqSize:], nil
}

// EncodeSyncResponse frames the server's diff: the new watermark followed
// by each missing log payload, length-prefixed so the client can apply
// record by record.
func EncodeSyncResponse(seq uint64, payloads [][]byte) []byte {
	size := 1 + seqSize
	for _, p := range payloads {
		size += 4 + len(p)
	}
	frame := make([]byte, 1+seqSize, size)
	frame[0] = BinSyncResponse
	binary.BigEndian.PutUint64(frame[1:], seq)
	var prefix [4]byte
	for _, p := range payloads {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(p)))
		frame = append(frame, prefix[:]...)
		frame = append(frame, p...)
	}
	return frame
}

// DecodeSyncResponse reverses EncodeSyncResponse.
func DecodeSyncResponse(body []byte) (uint64, [][]byte, error) {
	if len(body) < seqSize {
		return 0, nil, fmt.Errorf("sync response too short: %d bytes", len(body))
	}
	seq := binary.BigEndian.Uint64(body[:seqSize])
	rest := body[seqSize:]

	var payloads [][]byte
	for len(rest) > 0 {
		if len(rest) < 4 {
			return 0, nil, errors.New("sync response truncated at length prefix")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return 0, nil, errors.New("sync response truncated at payload")
		}
		payloads = append(payloads, rest[:n:n])
		rest = rest[n:]
	}
	return seq, payloads, nil
}

// EncodeSyncAck frames the handshake acknowledgement.
func EncodeSyncAck() []byte {
	return []byte{BinSyncAck}
}

// EncodeUpdate frames a live CRDT update.
func EncodeUpdate(data []byte) []byte {
	frame := make([]byte, 1, 1+len(data))
	frame[0] = BinUpdate
	return append(frame, data...)
}

// DecodeUpdate validates a live update body. Payloads below MinUpdateSize
// are rejected.
func DecodeUpdate(body []byte) ([]byte, error) {
	if len(body) < MinUpdateSize {
		return nil, ErrShortUpdate
	}
	return body, nil
}

// EncodeAwareness frames an ephemeral awareness payload.
func EncodeAwareness(state []byte) []byte {
	frame := make([]byte, 1, 1+len(state))
	frame[0] = BinAwareness
	return append(frame, state...)
}
