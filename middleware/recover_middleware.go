package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/message"
)

// Recover turns a panicking handler into a StatusUnknownError reply and logs the stack.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, txn *message.Transaction) (reply *message.Reply) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("transaction panicked",
						zap.Uint32("handle", txn.Handle),
						zap.Stringer("code", txn.Code),
						zap.Any("panic", r),
						zap.StackSkip("stack", 1),
					)
					reply = &message.Reply{
						Seq:    txn.Seq,
						Status: binder.StatusUnknownError,
						Error:  fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			return next(ctx, txn)
		}
	}
}
