package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func request(id string) *Envelope {
	return &Envelope{CorrelationID: id, SessionID: "s1", Kind: KindRequest, Name: "predict", Payload: []byte{0x80}}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := request("c1")
	env.SetDeadline(time.UnixMilli(1_700_000_000_000))
	require.NoError(t, WriteFrame(&buf, env))
	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	dl, ok := got.DeadlineTime()
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), dl.UnixMilli())

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, request("c1")))
	cut := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := ReadFrame(cut)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, fault.ErrSizeExceeded)
}

func TestReadFrameRejectsInvalidEnvelope(t *testing.T) {
	body, err := msgpack.Marshal(&Envelope{Kind: "bogus"})
	require.NoError(t, err)
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)
	_, err = ReadFrame(&buf)
	assert.Equal(t, fault.KindSerialization, fault.KindOf(err))
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"request", Envelope{CorrelationID: "1", Kind: KindRequest, Name: "op"}, true},
		{"request without name", Envelope{CorrelationID: "1", Kind: KindRequest}, false},
		{"callback", Envelope{CorrelationID: "2", ParentID: "1", Kind: KindCallback, Name: "validate"}, true},
		{"callback without parent", Envelope{CorrelationID: "2", Kind: KindCallback, Name: "validate"}, false},
		{"response", Envelope{CorrelationID: "1", Kind: KindResponse}, true},
		{"response without id", Envelope{Kind: KindResponse}, false},
		{"ping", Envelope{Kind: KindPing}, true},
		{"unknown", Envelope{Kind: "gossip"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestReplyCarriesError(t *testing.T) {
	req := request("c9")
	resp := req.Reply(KindResponse, nil, fault.Exception("division by zero"))
	assert.Equal(t, "c9", resp.CorrelationID)
	assert.Equal(t, "s1", resp.SessionID)
	err := resp.Err()
	assert.ErrorIs(t, err, fault.ErrException)
	assert.Contains(t, err.Error(), "division by zero")
	assert.NoError(t, req.Reply(KindResponse, []byte{1}, nil).Err())
}

func TestStreamConnOverNetPipe(t *testing.T) {
	a, b := net.Pipe()
	host := NewStreamConn(a)
	worker := NewStreamConn(b)
	defer host.Close()
	defer worker.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, host.Send(ctx, request(string(rune('a'+i)))))
		}(i)
	}
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		env, err := worker.Recv(ctx)
		require.NoError(t, err)
		seen[env.CorrelationID] = true
	}
	wg.Wait()
	assert.Len(t, seen, 5)

	require.NoError(t, worker.Close())
	_, err := host.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, worker.Close())
}

func TestStreamConnRecvHonoursContext(t *testing.T) {
	a, b := net.Pipe()
	conn := NewStreamConn(a)
	defer conn.Close()
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := conn.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamConnSendGivesUpOnStalledPeer(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewStreamConn(a)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := conn.Send(ctx, request("stalled"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)

	// the half written frame poisoned the stream, so the conn is gone
	_, err = conn.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, conn.Send(context.Background(), request("after")), ErrClosed)
}

func TestStreamConnQueuedSendHonoursContext(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	conn := NewStreamConn(a)
	defer conn.Close()

	// first send holds the write slot while nobody reads
	go func() { _ = conn.Send(context.Background(), request("first")) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := conn.Send(ctx, request("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe(t *testing.T) {
	host, worker := Pipe()
	ctx := context.Background()
	env := request("p1")
	require.NoError(t, host.Send(ctx, env))
	env.Name = "mutated"
	got, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "predict", got.Name)

	require.NoError(t, worker.Send(ctx, got.Reply(KindResponse, nil, nil)))
	require.NoError(t, worker.Close())
	resp, err := host.Recv(ctx)
	require.NoError(t, err, "buffered messages are delivered before close")
	assert.Equal(t, KindResponse, resp.Kind)
	_, err = host.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, host.Send(ctx, request("p2")), ErrClosed)
	assert.Error(t, host.Send(ctx, &Envelope{Kind: KindRequest}))
}
