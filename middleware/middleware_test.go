package middleware

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mini-binder/binder"
	"mini-binder/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, txn *message.Transaction) *message.Reply {
	return &message.Reply{Seq: txn.Seq, Data: []byte("ok")}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, txn *message.Transaction) *message.Reply {
	time.Sleep(200 * time.Millisecond)
	return &message.Reply{Seq: txn.Seq, Data: []byte("ok")}
}

func failingHandler(ctx context.Context, txn *message.Transaction) *message.Reply {
	return &message.Reply{Seq: txn.Seq, Status: binder.StatusBadType, Error: "wrong interface"}
}

func newTxn() *message.Transaction {
	return &message.Transaction{Seq: 5, Handle: 1, Code: binder.FirstCallTransaction, Mode: binder.Synchronous}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	reply := handler(context.Background(), newTxn())
	if reply == nil {
		t.Fatal("expect non-nil reply")
	}
	if string(reply.Data) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(reply.Data))
	}
	if logs.FilterMessage("transaction").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := Logging(zap.New(core))(failingHandler)

	handler(context.Background(), newTxn())

	entries := logs.FilterMessage("transaction failed").All()
	if len(entries) != 1 {
		t.Fatalf("expect one warning, got %v", logs.All())
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expect warn level, got %s", entries[0].Level)
	}
	if got := entries[0].ContextMap()["status"]; got != "BAD_TYPE" {
		t.Fatalf("expect status BAD_TYPE, got %v", got)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	reply := handler(context.Background(), newTxn())
	if reply.Status != binder.StatusOK {
		t.Fatalf("expect no error, got %s '%s'", reply.Status, reply.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	reply := handler(context.Background(), newTxn())
	if reply.Status != binder.StatusTimedOut {
		t.Fatalf("expect TIMED_OUT, got %s", reply.Status)
	}
	if reply.Seq != 5 {
		t.Fatalf("expect seq preserved, got %d", reply.Seq)
	}
}

func TestTimeoutCountsDetachedHandler(t *testing.T) {
	release := make(chan struct{})
	blocked := func(ctx context.Context, txn *message.Transaction) *message.Reply {
		<-release
		return &message.Reply{Seq: txn.Seq}
	}

	var wg sync.WaitGroup
	ctx := WithInflight(context.Background(), &wg)
	reply := Timeout(20 * time.Millisecond)(blocked)(ctx, newTxn())
	if reply.Status != binder.StatusTimedOut {
		t.Fatalf("expect TIMED_OUT, got %s", reply.Status)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("handler still running but the WaitGroup is done")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("WaitGroup never done after the handler returned")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		reply := handler(context.Background(), newTxn())
		if reply.Status != binder.StatusOK {
			t.Fatalf("transaction %d should pass, got: %s", i, reply.Error)
		}
	}

	reply := handler(context.Background(), newTxn())
	if reply.Status != binder.StatusWouldBlock {
		t.Fatalf("transaction 3 should be rate limited, got: %s", reply.Status)
	}
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recover(zap.New(core))(func(ctx context.Context, txn *message.Transaction) *message.Reply {
		panic("boom")
	})

	reply := handler(context.Background(), newTxn())
	if reply.Status != binder.StatusUnknownError {
		t.Fatalf("expect UNKNOWN_ERROR, got %s", reply.Status)
	}
	if !strings.Contains(reply.Error, "boom") {
		t.Fatalf("expect panic value in error, got %q", reply.Error)
	}
	if logs.Len() != 1 {
		t.Fatalf("expect the panic to be logged once, got %d entries", logs.Len())
	}
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, txn *message.Transaction) *message.Reply {
				order = append(order, name+".before")
				reply := next(ctx, txn)
				order = append(order, name+".after")
				return reply
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), Timeout(500*time.Millisecond))(echoHandler)
	reply := handler(context.Background(), newTxn())
	if reply == nil || string(reply.Data) != "ok" {
		t.Fatalf("expect reply 'ok', got %+v", reply)
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("expect order %v, got %v", want, order)
	}
}
