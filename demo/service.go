package demo

import (
	"context"

	"go.uber.org/zap"
)

// Service is the DemoServer business logic. Every operation is independent
// of earlier calls; the only side effect is logging.
type Service struct {
	logger *zap.Logger
}

var _ Demo = (*Service)(nil)

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("service")}
}

func (s *Service) Push(ctx context.Context, v int32) error {
	s.logger.Info("push", zap.Int32("value", v))
	return nil
}

func (s *Service) Alert(ctx context.Context) error {
	s.logger.Info("alert")
	return nil
}

func (s *Service) Add(ctx context.Context, v1, v2 int32) (int32, error) {
	s.logger.Info("add", zap.Int32("v1", v1), zap.Int32("v2", v2))
	return v1 + v2, nil
}
