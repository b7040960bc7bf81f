// Package middleware wraps the server's transaction handler.
//
// Middlewares compose in the onion model: Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"
	"sync"

	"mini-binder/message"
)

// HandlerFunc handles one transaction. It always returns a reply, even for
// one-way transactions: the server decides whether the reply is sent.
type HandlerFunc func(ctx context.Context, txn *message.Transaction) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type inflightKey struct{}

// WithInflight attaches wg to ctx. A middleware that leaves the handler
// running after it has returned a reply registers that work on wg, so the
// caller can hold its worker slot until wg is done.
func WithInflight(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, inflightKey{}, wg)
}

func inflight(ctx context.Context) *sync.WaitGroup {
	wg, _ := ctx.Value(inflightKey{}).(*sync.WaitGroup)
	return wg
}
