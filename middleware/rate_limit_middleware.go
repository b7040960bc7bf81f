package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-binder/binder"
	"mini-binder/message"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
// Rejected transactions get StatusWouldBlock.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, txn *message.Transaction) *message.Reply {
			if !limiter.Allow() {
				return &message.Reply{
					Seq:    txn.Seq,
					Status: binder.StatusWouldBlock,
					Error:  "rate limit exceeded",
				}
			}
			return next(ctx, txn)
		}
	}
}
