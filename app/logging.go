package app

import (
	"github.com/advdv/bdispatch/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger configured from the config. It writes JSON with an ISO8601 "timestamp".
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logs, err := zc.Build()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return logs.With(zap.String("service", cfg.ServiceName)), nil
}
