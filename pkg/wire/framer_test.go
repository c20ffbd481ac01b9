package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSendReceiveRoundtrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	messages := [][]byte{
		[]byte("LOGIN alice"),
		[]byte(""),
		[]byte("BUY 5 AAPL LIMIT 100.00 GTC"),
		bytes.Repeat([]byte("x"), 4096), // larger than one read chunk
	}

	go func() {
		for _, m := range messages {
			if err := Send(client, m); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()

	var leftover []byte
	for i, want := range messages {
		got, err := Receive(server, &leftover, time.Second)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("receive %d: got %q, want %q", i, got, want)
		}
	}
}

// A prefix split across writes must still assemble into one message.
func TestReceiveSplitPrefix(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("hello")
	frame := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint64(frame, uint64(len(payload)))
	copy(frame[PrefixSize:], payload)

	go func() {
		for _, b := range frame {
			if _, err := client.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	var leftover []byte
	got, err := Receive(server, &leftover, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// Two messages written in one shot must come out of consecutive Receives,
// with the second served from the leftover buffer without a fresh read.
func TestReceiveCoalesced(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	first, second := []byte("first"), []byte("second message")
	var buf bytes.Buffer
	for _, p := range [][]byte{first, second} {
		prefix := make([]byte, PrefixSize)
		binary.BigEndian.PutUint64(prefix, uint64(len(p)))
		buf.Write(prefix)
		buf.Write(p)
	}

	go client.Write(buf.Bytes())

	var leftover []byte
	got, err := Receive(server, &leftover, time.Second)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("first: got %q, want %q", got, first)
	}
	if len(leftover) == 0 {
		t.Fatal("expected second frame buffered in leftover")
	}

	// Nothing else will be written; the second message must be served
	// entirely from leftover.
	got, err = Receive(server, &leftover, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("second: got %q, want %q", got, second)
	}
}

// A hostile or corrupt prefix must fail this receive, not crash the
// process or attempt the claimed allocation.
func TestReceiveRejectsOversizedPrefix(t *testing.T) {
	for _, size := range []uint64{
		MaxPayloadSize + 1,
		1 << 40, // would attempt a terabyte allocation
		1 << 63, // negative when truncated to int
	} {
		client, server := net.Pipe()

		prefix := make([]byte, PrefixSize)
		binary.BigEndian.PutUint64(prefix, size)
		go client.Write(prefix)

		var leftover []byte
		_, err := Receive(server, &leftover, time.Second)
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Fatalf("prefix %d: got %v, want ErrMessageTooLarge", size, err)
		}

		client.Close()
		server.Close()
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	err := Send(client, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var leftover []byte
	_, err := Receive(server, &leftover, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestReceiveClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	client.Close()

	var leftover []byte
	_, err := Receive(server, &leftover, time.Second)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

// A half-delivered payload followed by a close is a closed connection, not a
// short message.
func TestReceiveTruncatedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	prefix := make([]byte, PrefixSize)
	binary.BigEndian.PutUint64(prefix, 100)

	go func() {
		client.Write(prefix)
		client.Write([]byte("only a few bytes"))
		client.Close()
	}()

	var leftover []byte
	_, err := Receive(server, &leftover, time.Second)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}
