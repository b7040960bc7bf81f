package middleware

import (
	"context"
	"fmt"
	"time"

	"mini-binder/binder"
	"mini-binder/message"
)

// Timeout fails a transaction with StatusTimedOut when the handler takes
// longer than timeout. The handler keeps running with a cancelled context.
// If ctx carries a WaitGroup from WithInflight, the handler is counted on it
// until it returns.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, txn *message.Transaction) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			wg := inflight(ctx)
			if wg != nil {
				wg.Add(1)
			}
			done := make(chan *message.Reply, 1)
			go func() {
				if wg != nil {
					defer wg.Done()
				}
				done <- next(ctx, txn)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &message.Reply{
					Seq:    txn.Seq,
					Status: binder.StatusTimedOut,
					Error:  fmt.Sprintf("transaction timed out after %s", timeout),
				}
			}
		}
	}
}
