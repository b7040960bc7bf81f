package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mini-binder/binder"
	"mini-binder/parcel"
	"mini-binder/protocol"
)

// frameHandler answers one incoming frame. Returning a nil header sends nothing.
type frameHandler func(h *protocol.Header, body []byte) (*protocol.Header, []byte)

// startFrameServer accepts connections on loopback and answers every
// frame with fn, each on its own goroutine, like the real server does.
func startFrameServer(t *testing.T, fn frameHandler) (addr string, frames <-chan *protocol.Header) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	seen := make(chan *protocol.Header, 128)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var writeMu sync.Mutex
				for {
					h, body, err := protocol.Decode(conn)
					if err != nil {
						return
					}
					select {
					case seen <- h:
					default:
					}
					go func() {
						rh, rbody := fn(h, body)
						if rh == nil {
							return
						}
						writeMu.Lock()
						defer writeMu.Unlock()
						protocol.Encode(conn, rh, rbody)
					}()
				}
			}()
		}
	}()
	return ln.Addr().String(), seen
}

func replyTo(h *protocol.Header, status binder.Status, body []byte) (*protocol.Header, []byte) {
	return &protocol.Header{
		MsgType: protocol.MsgTypeReply,
		Seq:     h.Seq,
		Code:    uint32(int32(status)),
		BodyLen: uint32(len(body)),
	}, body
}

// sumHandler treats the body as two little-endian int32 and replies with their sum.
func sumHandler(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
	if h.MsgType != protocol.MsgTypeTransaction || h.Oneway() {
		return nil, nil
	}
	a := int32(binary.LittleEndian.Uint32(body[0:4]))
	b := int32(binary.LittleEndian.Uint32(body[4:8]))
	time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	return replyTo(h, binder.StatusOK, binary.LittleEndian.AppendUint32(nil, uint32(a+b)))
}

func dial(t *testing.T, addr string, opts ...Option) *ClientTransport {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ct, err := Dial(context.Background(), "tcp", addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

func sumArgs(a, b int32) []byte {
	p := parcel.New()
	p.WriteInt32(a)
	p.WriteInt32(b)
	return p.Bytes()
}

func TestClientTransportSerial(t *testing.T) {
	addr, _ := startFrameServer(t, sumHandler)
	ct := dial(t, addr)

	cases := []struct {
		a, b, expect int32
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}
	for _, tc := range cases {
		reply, err := ct.Transact(context.Background(), 1, binder.FirstCallTransaction, sumArgs(tc.a, tc.b), binder.Synchronous)
		if err != nil {
			t.Fatal(err)
		}
		got, err := parcel.FromBytes(reply).ReadInt32()
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.expect {
			t.Fatalf("expect %d, got %d", tc.expect, got)
		}
	}
}

// Replies arrive out of order; each must reach its own caller.
func TestClientTransportConcurrent(t *testing.T) {
	addr, _ := startFrameServer(t, sumHandler)
	ct := dial(t, addr)

	var wg sync.WaitGroup
	for i := int32(0); i < 50; i++ {
		wg.Add(1)
		go func(n int32) {
			defer wg.Done()
			reply, err := ct.Transact(context.Background(), 1, binder.FirstCallTransaction, sumArgs(n, n), binder.Synchronous)
			if err != nil {
				t.Errorf("transact failed: %v", err)
				return
			}
			got, err := parcel.FromBytes(reply).ReadInt32()
			if err != nil {
				t.Errorf("decode failed: %v", err)
				return
			}
			if got != 2*n {
				t.Errorf("expect %d, got %d", 2*n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestOnewayDoesNotWait(t *testing.T) {
	// The server never replies to anything.
	addr, frames := startFrameServer(t, func(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
		return nil, nil
	})
	ct := dial(t, addr)

	reply, err := ct.Transact(context.Background(), 7, binder.FirstCallTransaction, []byte{1, 2, 3, 4}, binder.OneWay)
	if err != nil {
		t.Fatalf("one-way transact failed: %v", err)
	}
	if reply != nil {
		t.Fatalf("expect nil reply for one-way call, got %v", reply)
	}

	select {
	case h := <-frames:
		if !h.Oneway() || h.Handle != 7 || h.Code != uint32(binder.FirstCallTransaction) {
			t.Fatalf("unexpected frame header %+v", *h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the one-way frame")
	}

	n := 0
	ct.pending.Range(func(any, any) bool { n++; return true })
	if n != 0 {
		t.Fatalf("one-way call left %d pending entries", n)
	}
}

func TestRemoteStatusBecomesError(t *testing.T) {
	addr, _ := startFrameServer(t, func(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
		return replyTo(h, binder.StatusBadType, []byte("descriptor mismatch"))
	})
	ct := dial(t, addr)

	_, err := ct.Transact(context.Background(), 1, binder.FirstCallTransaction, nil, binder.Synchronous)
	if !errors.Is(err, binder.ErrDescriptorMismatch) {
		t.Fatalf("expect ErrDescriptorMismatch, got %v", err)
	}
	var se *binder.StatusError
	if !errors.As(err, &se) || se.Message != "descriptor mismatch" {
		t.Fatalf("expect StatusError carrying the server text, got %v", err)
	}
}

func TestConnectionLossFailsPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		protocol.Decode(conn)
		conn.Close()
	}()

	ct := dial(t, ln.Addr().String())
	_, err = ct.Transact(context.Background(), 1, binder.FirstCallTransaction, nil, binder.Synchronous)
	if !errors.Is(err, binder.ErrTransport) {
		t.Fatalf("expect ErrTransport, got %v", err)
	}

	select {
	case <-ct.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not marked done after connection loss")
	}
	if ct.Alive() {
		t.Fatal("expect transport to be dead")
	}
	if _, err := ct.Transact(context.Background(), 1, binder.FirstCallTransaction, nil, binder.OneWay); !errors.Is(err, binder.ErrTransport) {
		t.Fatalf("expect ErrTransport on dead transport, got %v", err)
	}
}

func TestTransactContextDeadline(t *testing.T) {
	addr, _ := startFrameServer(t, func(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
		return nil, nil
	})
	ct := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ct.Transact(ctx, 1, binder.FirstCallTransaction, nil, binder.Synchronous)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect context.DeadlineExceeded, got %v", err)
	}
	if !ct.Alive() {
		t.Fatal("a timed out call must not kill the connection")
	}
}

func TestHeartbeat(t *testing.T) {
	addr, frames := startFrameServer(t, func(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
		return nil, nil
	})
	dial(t, addr, WithHeartbeat(10*time.Millisecond))

	select {
	case h := <-frames:
		if h.MsgType != protocol.MsgTypeHeartbeat {
			t.Fatalf("expect heartbeat frame, got msgType %d", h.MsgType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Dial(context.Background(), "tcp", addr); !errors.Is(err, binder.ErrTransport) {
		t.Fatalf("expect ErrTransport, got %v", err)
	}
}

func TestRemote(t *testing.T) {
	addr, _ := startFrameServer(t, func(h *protocol.Header, body []byte) (*protocol.Header, []byte) {
		if h.Oneway() {
			return nil, nil
		}
		if binder.Code(h.Code) == binder.PingTransaction {
			return replyTo(h, binder.StatusOK, nil)
		}
		return sumHandler(h, body)
	})
	remote := NewRemote(dial(t, addr), 3)
	ctx := context.Background()

	if remote.Handle() != 3 || !remote.Alive() {
		t.Fatalf("unexpected remote state handle=%d alive=%v", remote.Handle(), remote.Alive())
	}
	if err := remote.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	reply, err := remote.Transact(ctx, binder.FirstCallTransaction, parcel.FromBytes(sumArgs(2, 5)), binder.Synchronous)
	if err != nil {
		t.Fatal(err)
	}
	if sum, err := reply.ReadInt32(); err != nil || sum != 7 {
		t.Fatalf("expect 7, got %d (%v)", sum, err)
	}

	reply, err = remote.Transact(ctx, binder.FirstCallTransaction, parcel.New(), binder.OneWay)
	if err != nil || reply != nil {
		t.Fatalf("expect nil reply and nil error for one-way, got %v, %v", reply, err)
	}
}
