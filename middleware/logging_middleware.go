package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/message"
)

// Logging records every transaction with its duration and, if it failed, the status.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("txn")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, txn *message.Transaction) *message.Reply {
			start := time.Now()
			reply := next(ctx, txn)
			fields := []zap.Field{
				zap.Uint32("handle", txn.Handle),
				zap.Stringer("code", txn.Code),
				zap.Stringer("mode", txn.Mode),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.Status != binder.StatusOK {
				logger.Warn("transaction failed", append(fields, zap.Stringer("status", reply.Status), zap.String("error", reply.Error))...)
				return reply
			}
			logger.Debug("transaction", fields...)
			return reply
		}
	}
}
