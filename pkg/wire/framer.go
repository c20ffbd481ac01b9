// Package wire implements the length-prefixed message framing used between
// trading clients and the engine. Every message is an 8-byte big-endian
// payload length followed by exactly that many bytes. TCP gives no message
// boundaries, so Receive reassembles them from the prefixes alone: a prefix
// or payload may arrive split across reads, and several messages may arrive
// coalesced in one read. Excess bytes are kept in a caller-supplied leftover
// buffer and consumed first on the next call.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// PrefixSize is the byte width of the length header.
	PrefixSize = 8

	// MaxPayloadSize bounds a single message. The prefix is attacker
	// controlled; anything larger than this is rejected before a byte of
	// payload is allocated or read.
	MaxPayloadSize = 1 << 20

	// readChunk is the size of the scratch buffer for a single read.
	readChunk = 1024
)

var (
	// ErrConnectionClosed reports that the peer closed the stream before a
	// complete prefix or payload was assembled.
	ErrConnectionClosed = errors.New("wire: connection closed")

	// ErrTimeout reports that the receive deadline elapsed. The deadline
	// bounds the whole receive, not each individual read.
	ErrTimeout = errors.New("wire: receive timed out")

	// ErrMessageTooLarge reports a prefix above MaxPayloadSize. The stream
	// is desynchronized past repair; the caller should drop the connection.
	ErrMessageTooLarge = errors.New("wire: message exceeds size limit")
)

// Send writes one framed message to conn. The prefix and payload go out in a
// single Write so a frame is never interleaved with another writer's frame
// as long as callers serialize writes per connection.
func Send(conn net.Conn, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	frame := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint64(frame[:PrefixSize], uint64(len(payload)))
	copy(frame[PrefixSize:], payload)

	for sent := 0; sent < len(frame); {
		n, err := conn.Write(frame[sent:])
		if err != nil {
			return mapNetErr(err)
		}
		sent += n
	}
	return nil
}

// Receive reads one framed message from conn. leftover carries bytes read
// beyond earlier messages; it is consumed first and refilled with any excess
// from this call. A timeout of zero means no deadline. Prefixes above
// MaxPayloadSize fail with ErrMessageTooLarge before any payload is
// allocated.
func Receive(conn net.Conn, leftover *[]byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	// Assemble the prefix. It may straddle any number of reads.
	if err := fill(conn, leftover, PrefixSize); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint64((*leftover)[:PrefixSize])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: prefix claims %d bytes", ErrMessageTooLarge, size)
	}
	*leftover = (*leftover)[PrefixSize:]

	// Assemble the payload, consuming leftover bytes first.
	if err := fill(conn, leftover, int(size)); err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	copy(payload, (*leftover)[:size])
	*leftover = (*leftover)[size:]
	return payload, nil
}

// fill reads from conn until leftover holds at least need bytes.
func fill(conn net.Conn, leftover *[]byte, need int) error {
	buf := make([]byte, readChunk)
	for len(*leftover) < need {
		n, err := conn.Read(buf)
		if n > 0 {
			*leftover = append(*leftover, buf[:n]...)
		}
		if err != nil {
			if len(*leftover) >= need {
				return nil
			}
			return mapNetErr(err)
		}
	}
	return nil
}

func mapNetErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}
